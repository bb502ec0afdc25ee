package mapreduce

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"naturaljoin/internal/types"
)

// maxLineSize bounds a single input line.
const maxLineSize = 16 << 20

type mapCounts struct {
	orders, customers, other, skipped int64
}

func (n mapCounts) emitted() int64 {
	return n.orders + n.customers + n.other
}

// planMapTasks expands every input into one map task per file.
func planMapTasks(inputs []Input) ([]mapTask, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs provided")
	}

	var tasks []mapTask
	for _, in := range inputs {
		if in.Mapper == nil {
			return nil, fmt.Errorf("input %s has no mapper", in.Path)
		}
		files, err := collectFiles(in.Path)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			tasks = append(tasks, mapTask{
				task: types.Task{
					Kind:      types.MapTask,
					ID:        len(tasks),
					InputFile: f,
					Relation:  in.Relation,
				},
				mapper: in.Mapper,
			})
		}
	}
	return tasks, nil
}

// collectFiles recursively collects the files under path. Names starting
// with "_" or "." are skipped.
func collectFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p != path && hidden(f.Name()) {
			if f.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		// Only process regular files
		if !f.Mode().IsRegular() {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no files found in %s", path)
	}
	return files, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// runMapTask reads one input file line by line and routes every tagged
// value to its reduce partition.
func (e *Engine) runMapTask(ctx context.Context, mt mapTask, st store) (mapCounts, error) {
	var n mapCounts

	f, err := os.Open(mt.task.InputFile)
	if err != nil {
		return n, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	sk, err := st.sink(mt.task.ID)
	if err != nil {
		return n, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				sk.Close()
				return n, err
			}
		}

		kv, err := mt.mapper.Map(scanner.Text())
		if err != nil {
			recErr := &RecordError{Path: mt.task.InputFile, Line: line, Err: err}
			if e.policy == PolicySkip {
				e.logger.Warn("Skipping record: %v", recErr)
				n.skipped++
				continue
			}
			e.logger.Error("Rejected record: %v", recErr)
			sk.Close()
			return n, recErr
		}

		if err := sk.Write(e.partition(kv.Key), kv); err != nil {
			sk.Close()
			return n, err
		}

		switch kv.Value.Relation {
		case types.RelationOrder:
			n.orders++
		case types.RelationCustomer:
			n.customers++
		default:
			n.other++
		}
	}

	if err := scanner.Err(); err != nil {
		sk.Close()
		return n, fmt.Errorf("scanner error on file %s: %w", mt.task.InputFile, err)
	}

	if err := sk.Close(); err != nil {
		return n, fmt.Errorf("failed to flush map output: %w", err)
	}
	return n, nil
}

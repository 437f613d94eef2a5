package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"LocalMR/internal/types"
)

// DefaultSplitSize is the byte range assigned to one split when Files.SplitSize is unset.
const DefaultSplitSize = 32 << 20

// Files reads newline-delimited text from files and directories.
//
// Each file is cut into SplitSize byte ranges. A line belongs to the split
// holding its first byte, so a split that starts mid-line skips ahead to the
// next line and its own last line may run past its end.
type Files struct {
	Paths     []string
	SplitSize int64
}

// Splits implements Source.
func (fs Files) Splits() ([]Split, error) {
	if len(fs.Paths) == 0 {
		return nil, types.SourceUnavailable(errors.New("no files or directories provided"))
	}

	files, err := collectFiles(fs.Paths)
	if err != nil {
		return nil, types.SourceUnavailable(err)
	}

	size := fs.SplitSize
	if size <= 0 {
		size = DefaultSplitSize
	}

	var splits []Split
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return nil, types.SourceUnavailable(fmt.Errorf("failed to stat %s: %w", path, err))
		}
		// Fail on unreadable files now instead of halfway through the map phase.
		f, err := os.Open(path)
		if err != nil {
			return nil, types.SourceUnavailable(fmt.Errorf("failed to open %s: %w", path, err))
		}
		f.Close()

		for start := int64(0); start < info.Size(); start += size {
			splits = append(splits, &fileSplit{
				index: len(splits),
				path:  path,
				start: start,
				end:   min(start+size, info.Size()),
			})
		}
	}
	return splits, nil
}

// collectFiles recursively collects all regular files from paths, in lexical
// order within each directory.
func collectFiles(paths []string) ([]string, error) {
	var files []string

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		err = filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if f.Mode().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
		}
	}

	return files, nil
}

type fileSplit struct {
	index int
	path  string
	start int64
	end   int64
}

func (s *fileSplit) Index() int { return s.index }

func (s *fileSplit) Name() string {
	return fmt.Sprintf("%s:%d+%d", s.path, s.start, s.end-s.start)
}

func (s *fileSplit) Open() (RecordReader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, types.SourceUnavailable(fmt.Errorf("failed to open %s: %w", s.path, err))
	}

	pos := s.start
	if s.start > 0 {
		// Look at the byte before the range to learn whether it starts on a line boundary.
		pos = s.start - 1
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		f.Close()
		return nil, types.SourceUnavailable(fmt.Errorf("failed to seek %s: %w", s.path, err))
	}

	r := &fileReader{split: s, file: f, br: bufio.NewReaderSize(f, 64<<10), pos: pos}
	if s.start > 0 {
		// Either consumes the previous line's '\n' or the tail of a line owned by the previous split.
		if _, err := r.readLine(); err != nil && err != io.EOF {
			f.Close()
			return nil, err
		}
	}
	return r, nil
}

type fileReader struct {
	split *fileSplit
	file  *os.File
	br    *bufio.Reader
	pos   int64
	index int
}

func (r *fileReader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	r.pos += int64(len(line))
	if err != nil && err != io.EOF {
		return "", types.SourceUnavailable(fmt.Errorf("failed to read %s: %w", r.split.path, err))
	}
	if err == io.EOF && line == "" {
		return "", io.EOF
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func (r *fileReader) Next() (types.Record, error) {
	if r.pos >= r.split.end {
		return types.Record{}, io.EOF
	}

	offset := r.pos
	text, err := r.readLine()
	if err != nil {
		return types.Record{}, err
	}

	rec := types.Record{
		Source: r.split.path,
		Offset: offset,
		Index:  r.index,
		Text:   text,
	}
	r.index++
	return rec, nil
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/go-playground/validator.v9"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// ParseFile decodes one YAML model document. Unknown keys are rejected and
// every cube and view is checked against its struct tags.
func ParseFile(data []byte, path string) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: invalid YAML: %w", path, err)
	}
	f.Path = path

	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, describeValidation(err))
	}
	return &f, nil
}

// LoadFile reads and parses a single model file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	return ParseFile(data, path)
}

// LoadPath loads a model file, or every *.yml / *.yaml file below a
// directory in lexical order.
func LoadPath(path string) ([]*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat model path: %w", err)
	}
	if !info.IsDir() {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		return []*File{f}, nil
	}

	var paths []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yml", ".yaml":
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk model directory: %w", err)
	}
	sort.Strings(paths)

	files := make([]*File, 0, len(paths))
	var errs []error
	for _, p := range paths {
		f, err := LoadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return files, nil
}

// Load loads and compiles the model at path.
func Load(path string) (*Model, error) {
	files, err := LoadPath(path)
	if err != nil {
		return nil, err
	}
	return Compile(files...)
}

// describeValidation turns validator output into one readable error.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "File.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

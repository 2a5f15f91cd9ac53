package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// LoadMode controls how errors are handled during catalog loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Error codes reported by the loader, unified with the CLI's output.
const (
	ErrCodeGeneric      = "C001" // generic/unknown error
	ErrCodeScanError    = "C002" // directory scan error
	ErrCodeNoFiles      = "C003" // no CUE files found
	ErrCodeLoadFailed   = "C004" // CUE load failed
	ErrCodeNotFound     = "C005" // path not found
	ErrCodeBuildFailed  = "C006" // CUE build failed
	ErrCodeTypeInvalid  = "C101" // bad type definition
	ErrCodeTypePrefix   = "C102" // missing or duplicate code prefix
	ErrCodeLocInvalid   = "C111" // bad location definition
	ErrCodeNoDefault    = "C112" // no default location
	ErrCodeManyDefaults = "C113" // more than one default location
)

// LoadError is an error that occurred during catalog loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load reads every CUE file in dir and builds the catalog. In
// LoadModeFailFast the first error returns immediately; in
// LoadModeCollectAll every definition is checked and all errors return
// together. A non-empty error slice means the catalog must not be used.
func Load(dir string, mode LoadMode) (*Catalog, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("catalog directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing catalog directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	c := &Catalog{
		types:     make(map[string]Type),
		locations: make(map[string]Location),
	}
	var errs []error

	typesVal := value.LookupPath(cue.ParsePath("types"))
	if typesVal.Exists() {
		iter, iterErr := typesVal.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating types: %v", iterErr)})
			if mode == LoadModeFailFast {
				return nil, errs
			}
		} else {
			for iter.Next() {
				t, decodeErr := decodeType(iter.Label(), iter.Value())
				if decodeErr != nil {
					errs = append(errs, decodeErr)
					if mode == LoadModeFailFast {
						return nil, errs
					}
					continue
				}
				c.types[t.ID] = t
			}
		}
	}

	locationsVal := value.LookupPath(cue.ParsePath("locations"))
	if locationsVal.Exists() {
		iter, iterErr := locationsVal.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating locations: %v", iterErr)})
			if mode == LoadModeFailFast {
				return nil, errs
			}
		} else {
			for iter.Next() {
				l, decodeErr := decodeLocation(iter.Label(), iter.Value())
				if decodeErr != nil {
					errs = append(errs, decodeErr)
					if mode == LoadModeFailFast {
						return nil, errs
					}
					continue
				}
				c.locations[l.ID] = l
			}
		}
	}

	if len(c.types) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no equipment types found in catalog"})
	}

	errs = append(errs, c.validate()...)
	if len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

func decodeType(id string, v cue.Value) (Type, *LoadError) {
	var raw struct {
		Display string `json:"display"`
		Prefix  string `json:"prefix"`
	}
	if err := v.Decode(&raw); err != nil {
		return Type{}, &LoadError{
			Code:    ErrCodeTypeInvalid,
			Message: fmt.Sprintf("type %q: %v", id, err),
			Pos:     v.Pos(),
		}
	}
	if raw.Display == "" {
		return Type{}, &LoadError{
			Code:    ErrCodeTypeInvalid,
			Message: fmt.Sprintf("type %q has no display name", id),
			Pos:     v.Pos(),
		}
	}
	return Type{ID: id, Display: raw.Display, Prefix: raw.Prefix}, nil
}

func decodeLocation(id string, v cue.Value) (Location, *LoadError) {
	var raw struct {
		Display string `json:"display"`
		Default bool   `json:"default"`
	}
	if err := v.Decode(&raw); err != nil {
		return Location{}, &LoadError{
			Code:    ErrCodeLocInvalid,
			Message: fmt.Sprintf("location %q: %v", id, err),
			Pos:     v.Pos(),
		}
	}
	if raw.Display == "" {
		return Location{}, &LoadError{
			Code:    ErrCodeLocInvalid,
			Message: fmt.Sprintf("location %q has no display name", id),
			Pos:     v.Pos(),
		}
	}
	return Location{ID: id, Display: raw.Display, Default: raw.Default}, nil
}

// findCUEFiles walks the directory and returns all .cue file paths.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

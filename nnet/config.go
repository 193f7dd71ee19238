package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"reflect"
	"strings"
)

// Directory where config files are saved
var DataDir = dataDir()

func dataDir() string {
	if dir := os.Getenv("DRN_DATA"); dir != "" {
		return dir
	}
	return "."
}

// DatasetFamily selects the overall topology family.
type DatasetFamily string

const (
	Small10  DatasetFamily = "small-10"
	Small100 DatasetFamily = "small-100"
	Full     DatasetFamily = "full"
)

// Variant selects the stem and tail shape for the full resolution family.
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
	VariantC Variant = "C"
)

// ShortcutPolicy selects how residual shortcut paths are realised.
type ShortcutPolicy string

const (
	ProjectionAlways     ShortcutPolicy = "projection-always"
	ProjectionOnMismatch ShortcutPolicy = "projection-on-mismatch"
)

// Precision is the numeric type the finished graph is cast to.
type Precision string

const (
	PrecisionFloat32 Precision = "float32"
	PrecisionFloat16 Precision = "float16"
)

// Network build configuration settings
type Config struct {
	Family    DatasetFamily
	Depth     int
	Variant   Variant        `json:",omitempty"`
	Shortcut  ShortcutPolicy `json:",omitempty"`
	Precision Precision      `json:",omitempty"`
	RandSeed  int64          `json:",omitempty"`
}

// WithDefaults fills in the default shortcut policy and precision.
func (c Config) WithDefaults() Config {
	if c.Shortcut == "" {
		c.Shortcut = ProjectionOnMismatch
	}
	if c.Precision == "" {
		c.Precision = PrecisionFloat32
	}
	return c
}

// Validate checks the configuration, all violations are fatal build errors.
func (c Config) Validate() error {
	c = c.WithDefaults()
	switch c.Shortcut {
	case ProjectionAlways, ProjectionOnMismatch:
	default:
		return fmt.Errorf("unsupported shortcut policy: %q", c.Shortcut)
	}
	switch c.Precision {
	case PrecisionFloat32, PrecisionFloat16:
	default:
		return fmt.Errorf("unsupported precision: %q", c.Precision)
	}
	switch c.Family {
	case Small10, Small100:
		if c.Variant != "" {
			return fmt.Errorf("variant %q is only valid for the %s family", c.Variant, Full)
		}
		if c.Depth < 8 || (c.Depth-2)%6 != 0 {
			return fmt.Errorf("unsupported depth %d for family %s: must be 6n+2", c.Depth, c.Family)
		}
	case Full:
		if _, ok := fullStageCfg[c.Depth]; !ok {
			return fmt.Errorf("unsupported depth %d for family %s", c.Depth, c.Family)
		}
		switch c.Variant {
		case VariantA, VariantB, VariantC:
		default:
			return fmt.Errorf("unsupported variant: %q", c.Variant)
		}
	default:
		return fmt.Errorf("unsupported dataset family: %q", c.Family)
	}
	return nil
}

// Classes is the number of output classes for the dataset family.
func (c Config) Classes() int {
	switch c.Family {
	case Small10:
		return 10
	case Small100:
		return 100
	default:
		return 1000
	}
}

// Load config from json file under DataDir
func LoadConfig(name string) (c Config, err error) {
	filePath := path.Join(DataDir, name)
	var f *os.File
	if f, err = os.Open(filePath); err != nil {
		return
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	err = dec.Decode(&c)
	return
}

// Save config to JSON file under DataDir
func (c Config) Save(name string) error {
	return saveJSON(name, c)
}

// write v as indented JSON to name under DataDir, renaming into place once
// the file is complete
func saveJSON(name string, v interface{}) error {
	filePath := path.Join(DataDir, "."+name)
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	f.Close()
	return os.Rename(filePath, path.Join(DataDir, name))
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField())
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) String() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-10s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

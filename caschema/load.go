package caschema

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strconv"

	"github.com/otpgo/clientagent/caschema/numrange"
	"gopkg.in/yaml.v3"
)

// Def is the serialized form of a [Schema].
//
// An example YAML document:
//
//	classes:
//	  - name: DistributedAvatar
//	    fields:
//	      - name: setName
//	        keywords: [required, broadcast, ram]
//	        params:
//	          - {name: name, type: string, length: [[1, 32]]}
//	      - name: setHp
//	        keywords: [broadcast, ownrecv]
//	        parameter: {type: uint16, range: [[0, 100]]}
type Def struct {
	// Optional explicit hash.
	// When unset, a hash is derived from the schema's structure.
	Hash *uint32 `yaml:"hash,omitempty"`

	Classes []ClassDef `yaml:"classes"`
}

type ClassDef struct {
	Name   string     `yaml:"name"`
	Parent string     `yaml:"parent,omitempty"`
	Fields []FieldDef `yaml:"fields"`
}

// FieldDef describes a field.
// Exactly one of Params, Molecular, Parameter or Switch must be set;
// an empty Params list is a valid atomic field when the others are unset.
type FieldDef struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords,omitempty"`

	Params    []ParamDef `yaml:"params,omitempty"`
	Molecular []string   `yaml:"molecular,omitempty"`
	Parameter *ParamDef  `yaml:"parameter,omitempty"`
	Switch    *SwitchDef `yaml:"switch,omitempty"`

	// Hex-encoded packed default value.
	Default string `yaml:"default,omitempty"`
}

// ParamDef describes a parameter.
// Each range entry is a one- or two-element list of bounds.
type ParamDef struct {
	Name   string     `yaml:"name,omitempty"`
	Type   string     `yaml:"type"`
	Range  [][]string `yaml:"range,omitempty"`
	Length [][]string `yaml:"length,omitempty"`
}

type SwitchDef struct {
	Key     ParamDef        `yaml:"key"`
	Cases   []SwitchCaseDef `yaml:"cases"`
	Default []ParamDef      `yaml:"default,omitempty"`
}

type SwitchCaseDef struct {
	Values []int64    `yaml:"values"`
	Params []ParamDef `yaml:"params"`
}

// Load reads and builds the schema in the YAML file at path.
func Load(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	return Parse(b)
}

// Parse builds a schema from a YAML document.
func Parse(b []byte) (*Schema, error) {
	var def Def
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	return Build(def)
}

// Build validates def and returns the schema it describes.
// Classes are numbered in order from zero;
// fields are numbered in declaration order across the whole schema.
// Every problem found is reported in the returned error.
func Build(def Def) (*Schema, error) {
	if len(def.Classes) > math.MaxUint16 {
		return nil, fmt.Errorf("too many classes (%d)", len(def.Classes))
	}

	s := &Schema{
		classByName: make(map[string]*Class, len(def.Classes)),
	}

	var errs []error
	for i, cd := range def.Classes {
		c, err := s.buildClass(uint16(i), cd)
		if err != nil {
			errs = append(errs, fmt.Errorf("class %q: %w", cd.Name, err))
		}
		if c == nil {
			continue
		}
		s.classes = append(s.classes, c)
		s.classByName[c.Name] = c
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if def.Hash != nil {
		s.hash = *def.Hash
	} else {
		s.hash = structuralHash(def)
	}

	return s, nil
}

func (s *Schema) buildClass(id uint16, cd ClassDef) (*Class, error) {
	if cd.Name == "" {
		return nil, errors.New("missing name")
	}
	if _, ok := s.classByName[cd.Name]; ok {
		return nil, errors.New("duplicate class name")
	}

	c := &Class{
		ID:   id,
		Name: cd.Name,

		byID:   map[uint16]*Field{},
		byName: map[string]*Field{},
	}

	var errs []error

	if cd.Parent != "" {
		p := s.classByName[cd.Parent]
		if p == nil {
			errs = append(errs, fmt.Errorf("parent %q must be declared before its children", cd.Parent))
		} else {
			c.Parent = p
			for _, f := range p.fields {
				c.addField(f)
			}
		}
	}

	for _, fd := range cd.Fields {
		f, err := s.buildField(c, fd)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", fd.Name, err))
			continue
		}
		if c.byName[f.Name] != nil {
			errs = append(errs, fmt.Errorf("field %q: duplicate field name", fd.Name))
			continue
		}
		if len(s.fields) >= math.MaxUint16 {
			errs = append(errs, errors.New("too many fields in schema"))
			break
		}
		f.ID = uint16(len(s.fields))
		s.fields = append(s.fields, f)
		c.addField(f)
	}

	return c, errors.Join(errs...)
}

func (c *Class) addField(f *Field) {
	c.fields = append(c.fields, f)
	c.byID[f.ID] = f
	c.byName[f.Name] = f
}

func (s *Schema) buildField(c *Class, fd FieldDef) (*Field, error) {
	if fd.Name == "" {
		return nil, errors.New("missing name")
	}

	f := &Field{Name: fd.Name, Class: c}

	var errs []error
	for _, kw := range fd.Keywords {
		k, err := ParseKeyword(kw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f.Keywords |= k
	}

	kinds := 0
	if fd.Molecular != nil {
		kinds++
	}
	if fd.Parameter != nil {
		kinds++
	}
	if fd.Switch != nil {
		kinds++
	}
	if fd.Params != nil && kinds > 0 {
		kinds++
	}
	if kinds > 1 {
		errs = append(errs, errors.New("only one of params, molecular, parameter or switch may be set"))
		return nil, errors.Join(errs...)
	}

	switch {
	case fd.Molecular != nil:
		var mk MolecularKind
		for _, name := range fd.Molecular {
			cf := c.byName[name]
			if cf == nil {
				errs = append(errs, fmt.Errorf("molecular component %q is not a field of the class", name))
				continue
			}
			if _, ok := cf.Kind.(AtomicKind); !ok {
				errs = append(errs, fmt.Errorf("molecular component %q is not atomic", name))
				continue
			}
			mk.Fields = append(mk.Fields, cf)
		}
		if len(fd.Keywords) == 0 && len(mk.Fields) > 0 {
			f.Keywords = mk.Fields[0].Keywords
		}
		f.Kind = mk

	case fd.Parameter != nil:
		p, err := buildParam(*fd.Parameter)
		if err != nil {
			errs = append(errs, err)
		}
		f.Kind = ParameterKind{Param: p}

	case fd.Switch != nil:
		sk, err := buildSwitch(*fd.Switch)
		if err != nil {
			errs = append(errs, err)
		}
		f.Kind = sk

	default:
		ps, err := buildParams(fd.Params)
		if err != nil {
			errs = append(errs, err)
		}
		f.Kind = AtomicKind{Params: ps}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if fd.Default != "" {
		b, err := hex.DecodeString(fd.Default)
		if err != nil {
			return nil, fmt.Errorf("invalid default: %w", err)
		}
		if err := f.ValidateRanges(b); err != nil {
			return nil, fmt.Errorf("invalid default: %w", err)
		}
		f.defaultValue = b
		f.hasDefaultValue = true
	} else {
		f.defaultValue = f.packDefault(nil)
	}

	return f, nil
}

func buildParams(pds []ParamDef) ([]Parameter, error) {
	var errs []error
	ps := make([]Parameter, 0, len(pds))
	for i, pd := range pds {
		p, err := buildParam(pd)
		if err != nil {
			errs = append(errs, fmt.Errorf("parameter %d: %w", i, err))
			continue
		}
		ps = append(ps, p)
	}
	return ps, errors.Join(errs...)
}

func buildParam(pd ParamDef) (Parameter, error) {
	t, err := ParseParamType(pd.Type)
	if err != nil {
		return Parameter{}, err
	}

	p := Parameter{Name: pd.Name, Type: t}

	if len(pd.Length) > 0 && !t.IsVariable() {
		return p, fmt.Errorf("length constraint on fixed-size type %s", t)
	}
	if len(pd.Range) > 0 && t.IsVariable() {
		return p, fmt.Errorf("value range on variable-size type %s", t)
	}

	for _, r := range pd.Range {
		var err error
		switch {
		case t.IsSigned():
			err = addBounds(&p.Ints, r, func(s string) (int64, error) {
				return strconv.ParseInt(s, 0, 64)
			})
		case t.IsUnsigned():
			err = addBounds(&p.Uints, r, func(s string) (uint64, error) {
				return strconv.ParseUint(s, 0, 64)
			})
		case t.IsFloat():
			err = addBounds(&p.Floats, r, func(s string) (float64, error) {
				return strconv.ParseFloat(s, 64)
			})
		}
		if err != nil {
			return p, fmt.Errorf("invalid range: %w", err)
		}
	}

	for _, r := range pd.Length {
		err := addBounds(&p.Length, r, func(s string) (uint64, error) {
			return strconv.ParseUint(s, 0, 16)
		})
		if err != nil {
			return p, fmt.Errorf("invalid length: %w", err)
		}
	}

	return p, nil
}

func addBounds[N numrange.Number](s *numrange.Set[N], bounds []string, parse func(string) (N, error)) error {
	if len(bounds) != 1 && len(bounds) != 2 {
		return fmt.Errorf("need one or two bounds, got %d", len(bounds))
	}

	lo, err := parse(bounds[0])
	if err != nil {
		return err
	}
	hi := lo
	if len(bounds) == 2 {
		if hi, err = parse(bounds[1]); err != nil {
			return err
		}
	}

	if !s.Add(lo, hi) {
		return fmt.Errorf("lower bound %v above upper bound %v", lo, hi)
	}
	return nil
}

func buildSwitch(sd SwitchDef) (SwitchKind, error) {
	var errs []error

	key, err := buildParam(sd.Key)
	if err != nil {
		errs = append(errs, fmt.Errorf("key: %w", err))
	} else if !key.Type.IsInteger() {
		errs = append(errs, fmt.Errorf("key must be an integer type, got %s", key.Type))
	}

	sk := SwitchKind{Key: key}

	seen := map[int64]bool{}
	for i, cd := range sd.Cases {
		if len(cd.Values) == 0 {
			errs = append(errs, fmt.Errorf("case %d has no values", i))
			continue
		}
		for _, v := range cd.Values {
			if seen[v] {
				errs = append(errs, fmt.Errorf("case %d: duplicate value %d", i, v))
			}
			seen[v] = true
		}
		ps, err := buildParams(cd.Params)
		if err != nil {
			errs = append(errs, fmt.Errorf("case %d: %w", i, err))
		}
		sk.Cases = append(sk.Cases, SwitchCase{Values: cd.Values, Params: ps})
	}

	if sd.Default != nil {
		ps, err := buildParams(sd.Default)
		if err != nil {
			errs = append(errs, fmt.Errorf("default: %w", err))
		}
		sk.Default = ps
		sk.HasDefault = true
	}

	if len(sk.Cases) == 0 && !sk.HasDefault {
		errs = append(errs, errors.New("switch needs at least one case or a default"))
	}

	return sk, errors.Join(errs...)
}

// structuralHash derives a stable hash from every name, type and keyword in def.
func structuralHash(def Def) uint32 {
	h := fnv.New32a()

	str := func(s string) {
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], uint16(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	params := func(pds []ParamDef) {
		for _, pd := range pds {
			str(pd.Type)
			for _, r := range pd.Range {
				for _, b := range r {
					str(b)
				}
			}
			for _, r := range pd.Length {
				for _, b := range r {
					str(b)
				}
			}
		}
	}

	for _, cd := range def.Classes {
		str(cd.Name)
		str(cd.Parent)
		for _, fd := range cd.Fields {
			str(fd.Name)
			for _, kw := range fd.Keywords {
				str(kw)
			}
			params(fd.Params)
			for _, m := range fd.Molecular {
				str(m)
			}
			if fd.Parameter != nil {
				params([]ParamDef{*fd.Parameter})
			}
			if sd := fd.Switch; sd != nil {
				params([]ParamDef{sd.Key})
				for _, c := range sd.Cases {
					for _, v := range c.Values {
						str(strconv.FormatInt(v, 10))
					}
					params(c.Params)
				}
				params(sd.Default)
			}
		}
	}

	return h.Sum32()
}

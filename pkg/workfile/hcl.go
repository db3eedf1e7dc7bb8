package workfile

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// hclFile is the top-level structure of an HCL workfile:
//
//	version = "1"
//
//	unit "compile" {
//	  kind    = "compile"
//	  command = "cc -c src/main.c -o out/main.o"
//	  input "source" { path = "src/main.c" }
//	  output "object" { path = "out/main.o" }
//	}
type hclFile struct {
	Version string     `hcl:"version,optional"`
	Units   []*hclUnit `hcl:"unit,block"`
}

type hclUnit struct {
	ID        string            `hcl:"id,label"`
	Kind      string            `hcl:"kind,optional"`
	Command   string            `hcl:"command"`
	Env       map[string]string `hcl:"env,optional"`
	DependsOn []string          `hcl:"depends_on,optional"`
	Cacheable *bool             `hcl:"cacheable,optional"`
	Inputs    []*hclInput       `hcl:"input,block"`
	Outputs   []*hclOutput      `hcl:"output,block"`
}

type hclInput struct {
	Name          string    `hcl:"name,label"`
	Kind          string    `hcl:"kind,optional"`
	Path          string    `hcl:"path,optional"`
	Value         cty.Value `hcl:"value,optional"`
	Normalization string    `hcl:"normalization,optional"`
}

type hclOutput struct {
	Name string `hcl:"name,label"`
	Path string `hcl:"path"`
	Kind string `hcl:"kind,optional"`
}

func parseHCL(data []byte, filename string) (*Workfile, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL workfile %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(f.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL workfile %s: %w", filename, diags)
	}

	wf := &Workfile{Version: parsed.Version, Units: make([]UnitDecl, 0, len(parsed.Units))}
	for _, u := range parsed.Units {
		d := UnitDecl{
			ID:        u.ID,
			Kind:      u.Kind,
			Command:   u.Command,
			Env:       u.Env,
			DependsOn: u.DependsOn,
			Cacheable: u.Cacheable,
		}
		for _, in := range u.Inputs {
			v, err := ctyToGo(in.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: unit %s: input %s: %w", filename, u.ID, in.Name, err)
			}
			d.Inputs = append(d.Inputs, InputDecl{
				Name:          in.Name,
				Kind:          in.Kind,
				Path:          in.Path,
				Value:         v,
				Normalization: in.Normalization,
			})
		}
		for _, out := range u.Outputs {
			d.Outputs = append(d.Outputs, OutputDecl{Name: out.Name, Path: out.Path, Kind: out.Kind})
		}
		wf.Units = append(wf.Units, d)
	}
	return wf, nil
}

// ctyToGo converts an HCL value into the plain Go value a YAML or JSON
// workfile would have produced
func ctyToGo(v cty.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value must be known when the workfile is loaded")
	}
	raw, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

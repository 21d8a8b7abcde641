package config

import (
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/afero"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"grimm.is/netplane/internal/errors"
)

// EnvFunc is the env("NAME") HCL function. A missing variable yields "".
var EnvFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

// evalContext exposes the functions usable in configuration expressions.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": EnvFunc,
		},
	}
}

// Parse decodes HCL source, applies defaults and validates the result.
// filename is used in diagnostics and must end in .hcl.
func Parse(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "failed to decode config")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses the configuration at path. A missing file
// yields the defaults when allowMissing is set.
func LoadFile(fs afero.Fs, path string, allowMissing bool) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			cfg := Defaults()
			return cfg, cfg.Validate()
		}
		return nil, errors.Wrapf(err, errors.KindNotFound, "failed to read config file %s", path)
	}
	return Parse(path, data)
}

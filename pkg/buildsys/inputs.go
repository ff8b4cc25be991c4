package buildsys

import (
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// LoadInputs lists everything a task file looked at besides its own content. A cached task list is
// only reused while none of it changed.
type LoadInputs struct {
	Env   map[string]EnvValue
	Files map[string]FileStamp
	// AllEnv is set if the whole environment was visible to the task file.
	AllEnv bool
	// Commands is set if the task file ran commands through execute(). Such task lists are never cached.
	Commands bool
}

type EnvValue struct {
	Set   bool
	Value string
}

type FileStamp struct {
	Exists  bool
	Dir     bool
	Size    int64
	ModTime int64
}

func newLoadInputs() *LoadInputs {
	return &LoadInputs{
		Env:   make(map[string]EnvValue),
		Files: make(map[string]FileStamp),
	}
}

func stampFile(path string) FileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return FileStamp{}
	}

	stamp := FileStamp{Exists: true, Dir: info.IsDir()}
	if !stamp.Dir {
		stamp.Size = info.Size()
		stamp.ModTime = info.ModTime().UnixNano()
	}
	return stamp
}

func (in *LoadInputs) lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	in.Env[key] = EnvValue{Set: ok, Value: value}
	return value, ok
}

func (in *LoadInputs) stat(path string) (os.FileInfo, error) {
	in.Files[path] = stampFile(path)
	return os.Stat(path)
}

func (in *LoadInputs) recordFile(path string) {
	in.Files[path] = stampFile(path)
}

func (in *LoadInputs) recordEnviron(env map[string]string) {
	in.AllEnv = true
	for key, value := range env {
		in.Env[key] = EnvValue{Set: true, Value: value}
	}
}

// Changed reports whether any recorded environment variable or file differs from its current state.
func (in *LoadInputs) Changed() bool {
	if in.AllEnv {
		set := 0
		for _, recorded := range in.Env {
			if recorded.Set {
				set++
			}
		}
		if len(environMap()) != set {
			return true
		}
	}

	for key, recorded := range in.Env {
		value, ok := os.LookupEnv(key)
		if ok != recorded.Set || value != recorded.Value {
			return true
		}
	}

	for path, recorded := range in.Files {
		if stampFile(path) != recorded {
			return true
		}
	}

	return false
}

// recordHCLEnvRefs records the env.NAME variables referenced anywhere in body. A reference to env
// without a static name makes the whole environment an input.
func recordHCLEnvRefs(inputs *LoadInputs, body hcl.Body) {
	syntaxBody, ok := body.(*hclsyntax.Body)
	if !ok {
		inputs.recordEnviron(environMap())
		return
	}

	all := false
	hclsyntax.VisitAll(syntaxBody, func(node hclsyntax.Node) hcl.Diagnostics {
		expr, ok := node.(*hclsyntax.ScopeTraversalExpr)
		if !ok || expr.Traversal.RootName() != "env" {
			return nil
		}

		if len(expr.Traversal) < 2 {
			all = true
			return nil
		}

		switch step := expr.Traversal[1].(type) {
		case hcl.TraverseAttr:
			inputs.lookupEnv(step.Name)
		case hcl.TraverseIndex:
			if step.Key.Type() == cty.String && step.Key.IsKnown() && !step.Key.IsNull() {
				inputs.lookupEnv(step.Key.AsString())
			} else {
				all = true
			}
		default:
			all = true
		}
		return nil
	})

	if all {
		inputs.recordEnviron(environMap())
	}
}

package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/rotisserie/eris"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

type hclOption struct {
	Name    string `hcl:"name,label"`
	Default string `hcl:"default,optional"`
	Help    string `hcl:"help,optional"`
}

type hclTask struct {
	Name         string            `hcl:"name,label"`
	Doc          string            `hcl:"doc,optional"`
	Base         string            `hcl:"base,optional"`
	Actions      []string          `hcl:"actions,optional"`
	Targets      []string          `hcl:"targets,optional"`
	FileDep      []string          `hcl:"file_dep,optional"`
	TaskDep      []string          `hcl:"task_dep,optional"`
	SkipIfExists []string          `hcl:"skip_if_exists,optional"`
	Env          map[string]string `hcl:"env,optional"`
	Verbosity    *int              `hcl:"verbosity,optional"`
	Timeout      string            `hcl:"timeout,optional"`
	Clean        bool              `hcl:"clean,optional"`
	CleanActions []string          `hcl:"clean_actions,optional"`
	Hidden       bool              `hcl:"hidden,optional"`
}

type hclTaskFile struct {
	Options []hclOption `hcl:"option,block"`
	Tasks   []hclTask   `hcl:"task,block"`
}

var optionSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "option", LabelNames: []string{"name"}},
	},
}

var hclFunctions = map[string]function.Function{
	"format": stdlib.FormatFunc,
	"join":   stdlib.JoinFunc,
	"lower":  stdlib.LowerFunc,
	"upper":  stdlib.UpperFunc,
}

func diagsToError(diags hcl.Diagnostics) error {
	if !diags.HasErrors() {
		return nil
	}

	lines := make([]string, 0, len(diags))
	for _, diag := range diags {
		if diag.Severity == hcl.DiagError {
			lines = append(lines, diag.Error())
		}
	}
	return eris.New(strings.Join(lines, "\n"))
}

func stringMapValue(values map[string]string) cty.Value {
	if len(values) == 0 {
		return cty.MapValEmpty(cty.String)
	}

	result := make(map[string]cty.Value, len(values))
	for k, v := range values {
		result[k] = cty.StringVal(v)
	}
	return cty.MapVal(result)
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, item := range os.Environ() {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			env[parts[0]] = parts[1]
		}
	}
	return env
}

// LoadHCL parses an HCL task file. Attribute expressions can reference OS, ARCH, env.NAME and option.NAME.
func LoadHCL(ctx context.Context, filename, projectRoot string, optionValues map[string]string) (TaskList, map[string]ScriptOption, error) {
	return loadHCL(ctx, filename, projectRoot, optionValues, newLoadInputs())
}

func loadHCL(ctx context.Context, filename, projectRoot string, optionValues map[string]string, inputs *LoadInputs) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	pctx := &parserCtx{
		ctx:         ctx,
		filepath:    filename,
		projectRoot: projectRoot,
		inputs:      inputs,
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if err := diagsToError(diags); err != nil {
		return nil, nil, eris.Wrapf(err, "failed to parse %s", simplifyPath(pctx, filename))
	}

	recordHCLEnvRefs(inputs, file.Body)

	// Options have to be evaluated first since the tasks can reference them.
	content, _, diags := file.Body.PartialContent(optionSchema)
	if err := diagsToError(diags); err != nil {
		return nil, nil, eris.Wrapf(err, "failed to parse %s", simplifyPath(pctx, filename))
	}

	options := make(map[string]ScriptOption)
	values := make(map[string]string)
	for _, block := range content.Blocks {
		var opt hclOption
		diags = gohcl.DecodeBody(block.Body, nil, &opt)
		if err := diagsToError(diags); err != nil {
			return nil, nil, eris.Wrapf(err, "failed to parse option %s", block.Labels[0])
		}

		name := block.Labels[0]
		options[name] = ScriptOption{DefaultValue: opt.Default, Help: opt.Help}
		values[name] = opt.Default
		if value, ok := optionValues[name]; ok {
			values[name] = value
		}
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"OS":     cty.StringVal(runtime.GOOS),
			"ARCH":   cty.StringVal(runtime.GOARCH),
			"env":    stringMapValue(environMap()),
			"option": stringMapValue(values),
		},
		Functions: hclFunctions,
	}

	var decoded hclTaskFile
	diags = gohcl.DecodeBody(file.Body, evalCtx, &decoded)
	if err := diagsToError(diags); err != nil {
		return nil, nil, eris.Wrapf(err, "failed to parse %s", simplifyPath(pctx, filename))
	}

	tasks := TaskList{}
	for _, item := range decoded.Tasks {
		if _, present := tasks[item.Name]; present {
			return nil, nil, eris.Errorf("task %s is declared more than once in %s", item.Name, simplifyPath(pctx, filename))
		}

		task, err := convertHCLTask(pctx, item)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "invalid task %s in %s", item.Name, simplifyPath(pctx, filename))
		}
		tasks[task.Short] = task
	}

	return tasks, options, nil
}

func convertHCLTask(pctx *parserCtx, item hclTask) (*Task, error) {
	if item.Name == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	task := newTask()
	task.Short = item.Name
	task.Desc = item.Doc
	task.Hidden = item.Hidden
	task.Inputs = append([]string{}, item.FileDep...)
	task.Outputs = append([]string{}, item.Targets...)
	task.Deps = append([]string{}, item.TaskDep...)
	task.SkipIfExists = append([]string{}, item.SkipIfExists...)

	if item.Base == "" {
		item.Base = "."
	}
	task.Base = normalizePath(pctx, item.Base)

	for k, v := range item.Env {
		task.Env[k] = v
	}

	if item.Verbosity != nil {
		task.Verbosity = *item.Verbosity
		if err := checkVerbosity(task.Verbosity); err != nil {
			return nil, err
		}
	}

	if item.Timeout != "" {
		timeout, err := ParseDuration(item.Timeout)
		if err != nil {
			return nil, err
		}
		task.Timeout = timeout
	}

	task.Cmds = scriptCmds(task.Short, item.Actions)
	if len(item.CleanActions) > 0 {
		task.Clean = CleanCmds
		task.CleanCmds = scriptCmds(task.Short+":clean", item.CleanActions)
	} else if item.Clean {
		task.Clean = CleanTargets
	}

	return task, nil
}

func scriptCmds(taskName string, actions []string) []TaskCmd {
	cmds := make([]TaskCmd, len(actions))
	for idx, action := range actions {
		cmds[idx] = TaskCmdScript{TaskName: taskName, Index: idx, Content: action}
	}
	return cmds
}

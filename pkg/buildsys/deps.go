package buildsys

import (
	"sort"

	"github.com/rotisserie/eris"
)

// targetOwners maps every resolved target of the passed tasks to the name of the task producing it.
func targetOwners(projectRoot string, tasks TaskList) (map[string]string, error) {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	owners := make(map[string]string)
	for _, name := range names {
		task := tasks[name]
		outputs, err := resolvePatternLists(projectRoot, task.Base, task.Outputs)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve targets of %s", name)
		}

		for _, output := range outputs {
			if owner, ok := owners[output]; ok && owner != name {
				return nil, eris.Errorf("%s is a target of both %s and %s", output, owner, name)
			}
			owners[output] = name
		}
	}

	return owners, nil
}

// taskDependencies returns the explicit dependencies of task followed by the tasks producing one of
// its file dependencies.
func taskDependencies(projectRoot string, task *Task, owners map[string]string) ([]string, error) {
	deps := make([]string, 0, len(task.Deps))
	seen := make(map[string]bool)
	for _, dep := range task.Deps {
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}

	inputs, err := resolvePatternLists(projectRoot, task.Base, task.Inputs)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve file dependencies of %s", task.Short)
	}

	for _, input := range inputs {
		owner, ok := owners[input]
		if ok && owner != task.Short && !seen[owner] {
			seen[owner] = true
			deps = append(deps, owner)
		}
	}

	return deps, nil
}

// Plan returns the tasks that running the named tasks would visit, in execution order.
// Unknown tasks and dependency cycles are reported as errors.
func Plan(projectRoot string, tasks TaskList, names []string) ([]*Task, error) {
	owners, err := targetOwners(projectRoot, tasks)
	if err != nil {
		return nil, err
	}

	const (
		visiting = 1
		visited  = 2
	)
	state := make(map[string]int)
	order := make([]*Task, 0, len(tasks))

	var visit func(name, parent string) error
	visit = func(name, parent string) error {
		task, ok := tasks[name]
		if !ok {
			if parent == "" {
				return eris.Wrapf(ErrTaskNotFound, "Task %s not found", name)
			}
			return eris.Wrapf(ErrTaskNotFound, "Task %s not found (required by %s)", name, parent)
		}

		switch state[name] {
		case visited:
			return nil
		case visiting:
			return eris.Wrapf(ErrDependencyCycle, "Task %s was called recursively", name)
		}

		state[name] = visiting
		deps, err := taskDependencies(projectRoot, task, owners)
		if err != nil {
			return err
		}

		for _, dep := range deps {
			err = visit(dep, name)
			if err != nil {
				return err
			}
		}

		state[name] = visited
		order = append(order, task)
		return nil
	}

	for _, name := range names {
		err = visit(name, "")
		if err != nil {
			return nil, err
		}
	}

	return order, nil
}

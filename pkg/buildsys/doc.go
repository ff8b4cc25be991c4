// Package buildsys implements a small doit-style build system. Tasks are declared in Starlark
// (tasks.star) or HCL (tasks.hcl) files and their actions run in mvdan.cc/sh's shell interpreter.
// A task only runs when one of its file dependencies changed since its last successful run or
// when one of its targets is missing; the file signatures are kept in a bbolt database.
package buildsys

// Package hio provides a hierarchical I/O store for parallel applications:
// a parallel job writes one logical dataset composed of many elements into
// a hierarchy of storage paths (burst buffer in front of a parallel file
// system), and the library turns the job's scattered per-rank writes into a
// small number of physical files plus a manifest describing where every
// byte lives. On read the manifest reconstructs each element's logical byte
// stream.
//
// Context is the primary entry point. A context spans a participating group
// of ranks; datasets are opened and closed collectively across the group,
// while element I/O within an open dataset is local to each rank.
package hio

import (
	"io"
	"strings"

	"go.uber.org/zap"

	_ "github.com/hpcio/hio/internal/backend/posix"
	"github.com/hpcio/hio/internal/collective"
	"github.com/hpcio/hio/internal/engine"
	"github.com/hpcio/hio/pkg/errors"
	"github.com/hpcio/hio/pkg/logger"
	"github.com/hpcio/hio/pkg/options"
)

// Group is a set of ranks participating in one context. The in-process
// implementation runs every rank as a goroutine in this process; production
// deployments supply the job launcher's communication substrate instead.
type Group struct {
	inner *collective.Group
}

// NewGroup creates an in-process group of the given size.
func NewGroup(size int) *Group {
	return &Group{inner: collective.NewGroup(size)}
}

// Context is the root library handle of one rank: it owns the participating
// group position, the configuration, the error stack, and all datasets
// allocated through it.
type Context struct {
	name   string
	engine *engine.Engine
	opts   options.Options
	estack *errors.Stack
	log    *zap.SugaredLogger
}

// NewContext creates a single-rank context. Most tools and serial
// applications use this form.
func NewContext(name string, opts ...options.OptionFunc) (*Context, error) {
	return NewContextWithGroup(name, NewGroup(1), 0, opts...)
}

// NewContextWithGroup creates a context for one rank of a participating
// group. Every rank of the group must create its context with the same name
// and options.
//
// Options apply lowest precedence first: built-in defaults, then the given
// functional options, then MCA_HIO_* environment variables.
func NewContextWithGroup(name string, group *Group, rank int, opts ...options.OptionFunc) (*Context, error) {
	if name == "" || strings.ContainsAny(name, "/\\:") {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"context name must be a non-empty path-safe string").
			WithField("name").WithProvided(name)
	}
	if group == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"participating group is required").
			WithField("group").WithRule("required")
	}

	configured := options.NewDefaultOptions()
	for _, opt := range opts {
		opt(&configured)
	}
	options.FromEnvironment(&configured)

	log := logger.NewWithVerbosity(name, configured.Verbose)
	estack := errors.NewStack()

	eng, err := engine.New(&engine.Config{
		Name:    name,
		Comm:    group.inner.Rank(rank),
		Options: &configured,
		Logger:  log,
		Stack:   estack,
	})
	if err != nil {
		return nil, err
	}

	return &Context{
		name:   name,
		engine: eng,
		opts:   configured,
		estack: estack,
		log:    log,
	}, nil
}

// Name returns the context identifier.
func (c *Context) Name() string {
	return c.name
}

// LastError pops the most recent entry from the context error stack. The
// second return is false when no errors have accumulated.
func (c *Context) LastError() (errors.StackEntry, bool) {
	return c.estack.PopLast()
}

// ErrorDepth returns the number of accumulated error entries.
func (c *Context) ErrorDepth() int {
	return c.estack.Depth()
}

// PrintErrors writes all accumulated error entries to the writer and
// clears the stack.
func (c *Context) PrintErrors(w io.Writer) {
	c.estack.PrintAll(w, "HIO "+c.name)
}

// Unlink removes a committed dataset id from every data root that holds it.
func (c *Context) Unlink(name string, id int64) error {
	return c.engine.Unlink(name, id)
}

// Close tears the context down. All datasets must be closed and freed
// first; teardown with outstanding datasets is an error.
func (c *Context) Close() error {
	return c.engine.Close()
}

package model

import "time"

// AttrSet is a row of the AttrSets table: one attribute-set node of the
// scraped tree. Parent 0 means the node sits at the root.
type AttrSet struct {
	ID       int64
	Parent   int64
	AttrName string
	Done     bool
}

// PackageRow is a package as exposed by the search view, with its attribute
// path reconstructed and its description resolved.
type PackageRow struct {
	ID          int64
	AttrPath    string
	AttrName    string
	Name        string
	Pname       *string
	Version     *string
	Semver      *string
	License     *string
	Broken      *bool
	Unfree      *bool
	Description *string
	System      *string
	Position    *string
}

// ScrapeRun is a row of the ScrapeRuns journal: one mutating CLI invocation.
type ScrapeRun struct {
	ID         int64
	OpID       string
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string // "running", "success" or "error"
}

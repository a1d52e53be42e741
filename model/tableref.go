package model

import (
	"fmt"
	"regexp"
)

// Table specs follow the BigQuery CLI convention: an optional project
// prefix separated by a colon, then dataset and table separated by a dot.
const (
	projectIDRegexp = `[a-z][-a-z0-9:.]{4,61}[a-z0-9]`
	// Go's regexp rejects repeat counts above 1000, so the 1024-character
	// limit is split into two consecutive bounded repeats.
	datasetRegexp = `[-\w.]{1,1000}[-\w.]{0,24}`
	tableRegexp   = `[-\w$@]{1,1000}[-\w$@]{0,24}`
)

var tableSpecRegexp = regexp.MustCompile(
	fmt.Sprintf(`^(?:(?P<project>%s):)?(?P<dataset>%s)\.(?P<table>%s)$`,
		projectIDRegexp, datasetRegexp, tableRegexp))

// TableReference identifies a BigQuery table. ProjectID may be empty, in
// which case the executing project is assumed.
type TableReference struct {
	ProjectID string
	DatasetID string
	TableID   string
}

// ParseTableSpec parses a `[project:]dataset.table` string.
func ParseTableSpec(tableSpec string) (TableReference, error) {
	match := tableSpecRegexp.FindStringSubmatch(tableSpec)
	if match == nil {
		return TableReference{}, fmt.Errorf(
			"table specification %q must be in the form [project:]dataset.table", tableSpec)
	}
	return TableReference{
		ProjectID: match[tableSpecRegexp.SubexpIndex("project")],
		DatasetID: match[tableSpecRegexp.SubexpIndex("dataset")],
		TableID:   match[tableSpecRegexp.SubexpIndex("table")],
	}, nil
}

// String renders the reference back into spec form. ParseTableSpec(String())
// is the identity for any valid reference.
func (t TableReference) String() string {
	if t.ProjectID == "" {
		return t.DatasetID + "." + t.TableID
	}
	return t.ProjectID + ":" + t.DatasetID + "." + t.TableID
}

// WithDefaultProject fills in projectID when the reference does not carry one.
func (t TableReference) WithDefaultProject(projectID string) TableReference {
	if t.ProjectID == "" {
		t.ProjectID = projectID
	}
	return t
}

package tracker

import "fmt"

// GroupingProperty selects the issue attribute used for board grouping.
type GroupingProperty string

const (
	GroupByStatus   GroupingProperty = "status"
	GroupByPriority GroupingProperty = "priority"
	GroupByAssignee GroupingProperty = "assignee"
	GroupByProject  GroupingProperty = "project"
	GroupByTeam     GroupingProperty = "team"
	GroupByLabel    GroupingProperty = "label"
)

// GroupIssues buckets issues by the given property. Issues missing the
// property land in a stable fallback bucket; an issue with several labels
// appears in each label's bucket.
func GroupIssues(issues []Issue, property GroupingProperty) map[string][]Issue {
	grouped := make(map[string][]Issue)

	for _, issue := range issues {
		var keys []string
		switch property {
		case GroupByStatus:
			keys = []string{issue.State.Name}
		case GroupByPriority:
			keys = []string{fmt.Sprintf("priority-%d", issue.Priority)}
		case GroupByAssignee:
			if issue.Assignee != nil {
				keys = []string{issue.Assignee.ID}
			} else {
				keys = []string{"unassigned"}
			}
		case GroupByProject:
			if issue.Project != nil {
				keys = []string{issue.Project.ID}
			} else {
				keys = []string{"no-project"}
			}
		case GroupByTeam:
			keys = []string{issue.Team.ID}
		case GroupByLabel:
			for _, l := range issue.Labels {
				keys = append(keys, l.Name)
			}
			if len(keys) == 0 {
				keys = []string{"no-label"}
			}
		default:
			keys = []string{"all"}
		}

		for _, k := range keys {
			grouped[k] = append(grouped[k], issue)
		}
	}
	return grouped
}

// ValidGrouping reports whether s names a known grouping property.
func ValidGrouping(s string) bool {
	switch GroupingProperty(s) {
	case GroupByStatus, GroupByPriority, GroupByAssignee, GroupByProject, GroupByTeam, GroupByLabel:
		return true
	}
	return false
}

package plan

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/foreman/internal/graph"
	"github.com/msageha/foreman/internal/model"
)

// Validate checks field values and dependency references. It returns nil when the
// input is usable.
func Validate(input *Input) *ValidationErrors {
	errs := &ValidationErrors{}

	if input == nil || len(input.Items) == 0 {
		errs.Add("items", "at least one work item is required")
		return errs
	}

	titles := make(map[string]int, len(input.Items))
	ids := make(map[string]int, len(input.Items))
	for i, item := range input.Items {
		prefix := fmt.Sprintf("items[%d]", i)
		validateItemFields(item, prefix, errs)

		if title := strings.TrimSpace(item.Title); title != "" {
			if prev, dup := titles[title]; dup {
				errs.Addf(prefix+".title", "duplicate title %q (also items[%d])", title, prev)
			} else {
				titles[title] = i
			}
		}
		if item.ID != "" {
			if prev, dup := ids[item.ID]; dup {
				errs.Addf(prefix+".id", "duplicate id %q (also items[%d])", item.ID, prev)
			} else {
				ids[item.ID] = i
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}

	names := make([]string, len(input.Items))
	deps := make(map[string][]string)
	for i, item := range input.Items {
		names[i] = strconv.Itoa(i)
		for j, ref := range item.DependsOn {
			field := fmt.Sprintf("items[%d].depends_on[%d]", i, j)
			target, ok := resolveRef(ref, titles, len(input.Items))
			if !ok {
				errs.Addf(field, "unknown dependency %q", ref)
				continue
			}
			if target == i {
				errs.Add(field, "work item cannot depend on itself")
				continue
			}
			deps[names[i]] = append(deps[names[i]], strconv.Itoa(target))
		}
	}

	if !errs.HasErrors() && len(deps) > 0 {
		if _, err := graph.TopoSort(names, deps); err != nil {
			errs.Add("items", describeCycle(err, input))
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateItemFields(item ItemInput, prefix string, errs *ValidationErrors) {
	if strings.TrimSpace(item.Title) == "" {
		errs.Add(prefix+".title", "required")
	}
	if strings.TrimSpace(item.Description) == "" {
		errs.Add(prefix+".description", "required")
	}
	if item.ID != "" && !validItemID(item.ID) {
		errs.Addf(prefix+".id", "must match %s without \"..\" or a trailing \".\" or \".lock\" (got %q)", itemIDRe, item.ID)
	}
	if item.Kind != "" && !model.Kind(item.Kind).Valid() {
		errs.Addf(prefix+".kind", "must be one of feature, bugfix, refactor, test, infra (got %q)", item.Kind)
	}
}

// itemIDRe limits explicit ids to characters that are safe in git ref names
// and file paths.
var itemIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validItemID(id string) bool {
	return itemIDRe.MatchString(id) &&
		!strings.Contains(id, "..") &&
		!strings.HasSuffix(id, ".") &&
		!strings.HasSuffix(id, ".lock")
}

// resolveRef maps a title or 1-based index to a position in the item list. Titles
// win over indexes so an item literally titled "2" is still addressable.
func resolveRef(ref string, titles map[string]int, n int) (int, bool) {
	ref = strings.TrimSpace(ref)
	if i, ok := titles[ref]; ok {
		return i, true
	}
	if idx, err := strconv.Atoi(ref); err == nil && idx >= 1 && idx <= n {
		return idx - 1, true
	}
	return 0, false
}

// describeCycle rewrites the positional cycle path from TopoSort into titles.
func describeCycle(err error, input *Input) string {
	var ce *graph.CycleError
	if !errors.As(err, &ce) {
		return err.Error()
	}
	steps := make([]string, len(ce.Path))
	for i, step := range ce.Path {
		steps[i] = step
		if idx, convErr := strconv.Atoi(step); convErr == nil && idx < len(input.Items) {
			steps[i] = input.Items[idx].Title
		}
	}
	return graph.ErrCycleDetected.Error() + ": " + strings.Join(steps, " -> ")
}

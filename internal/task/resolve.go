package task

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolve finds one task by reference: canonical id, unambiguous id
// prefix, or numeric display id. An exact id match wins over prefix
// matches even when the reference is also a prefix of other ids.
func Resolve(tasks []Task, ref string) (*Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrNotFound)
	}

	for i := range tasks {
		if tasks[i].ID == ref {
			return &tasks[i], nil
		}
	}

	if n, err := strconv.Atoi(ref); err == nil {
		for i := range tasks {
			if tasks[i].DisplayID == n {
				return &tasks[i], nil
			}
		}
		return nil, fmt.Errorf("%w: no task with id %d", ErrNotFound, n)
	}

	var matches []*Task
	for i := range tasks {
		if strings.HasPrefix(tasks[i].ID, ref) {
			matches = append(matches, &tasks[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d tasks; use a longer prefix or the numeric id", ErrAmbiguous, ref, len(matches))
	}
}

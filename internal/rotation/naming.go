package rotation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

const oneUpWidth = 6

// Target is the repository, container and base path a rotation creates.
type Target struct {
	Name      string `json:"name"`
	Container string `json:"container"`
	BasePath  string `json:"base_path"`
}

// Period pins the year and month used by date-style names. The zero value
// means "the current month".
type Period struct {
	Year  int
	Month int
}

func (p Period) resolve(now time.Time) (int, int, error) {
	if p.Year == 0 && p.Month == 0 {
		return now.Year(), int(now.Month()), nil
	}
	if p.Year < 1 || p.Month < 1 || p.Month > 12 {
		return 0, 0, errors.Newf(errors.ErrCodeConfiguration, "invalid rotation period %04d.%02d", p.Year, p.Month).
			WithComponent("rotation")
	}
	return p.Year, p.Month, nil
}

// targetFor lays out the names for suffix according to rotate_by.
func targetFor(s types.Settings, suffix string) Target {
	t := Target{Name: s.RepoNamePrefix + "-" + suffix}
	if s.RotateBy == types.RotateByPath {
		t.Container = s.BucketNamePrefix
		t.BasePath = s.BasePathPrefix + "-" + suffix
	} else {
		t.Container = s.BucketNamePrefix + "-" + suffix
		t.BasePath = s.BasePathPrefix
	}
	return t
}

// firstSuffix is the suffix of the repository created at setup.
func firstSuffix(s types.Settings, now time.Time, period Period) (string, error) {
	if s.RotationStyle == types.StyleDate {
		y, m, err := period.resolve(now)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%04d.%02d", y, m), nil
	}
	return fmt.Sprintf("%0*d", oneUpWidth, 1), nil
}

// nextSuffix picks the suffix following the names already in use. taken
// holds every repository name known to the metadata store or the cluster.
//
// oneup increments the highest numeric suffix. date uses YYYY.MM and, when
// that is taken, the smallest free YYYY.MM-N with N starting at 2.
func nextSuffix(s types.Settings, taken map[string]bool, now time.Time, period Period) (string, error) {
	prefix := s.RepoNamePrefix + "-"

	if s.RotationStyle == types.StyleDate {
		y, m, err := period.resolve(now)
		if err != nil {
			return "", err
		}
		base := fmt.Sprintf("%04d.%02d", y, m)
		suffix := base
		for n := 2; taken[prefix+suffix]; n++ {
			suffix = base + "-" + strconv.Itoa(n)
		}
		return suffix, nil
	}

	highest := 0
	for name := range taken {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%0*d", oneUpWidth, highest+1), nil
}

package lanes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"traffic-violation-service/internal/domain/violation"
)

const (
	MinLanes = 1
	MaxLanes = 5
)

var ErrInvalidConfig = errors.New("invalid lane configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Lane is one pixel-column range and the vehicle classes permitted inside it.
type Lane struct {
	ID              int                 `json:"lane_id" validate:"gt=0"`
	XMin            int                 `json:"x_min" validate:"gte=0"`
	XMax            int                 `json:"x_max" validate:"gtfield=XMin"`
	AllowedVehicles []violation.ClassID `json:"allowed_vehicles"`
}

// ContainsX reports whether x falls in the half-open range [XMin, XMax).
func (l Lane) ContainsX(x float64) bool {
	return x >= float64(l.XMin) && x < float64(l.XMax)
}

func (l Lane) Allows(class violation.ClassID) bool {
	for _, c := range l.AllowedVehicles {
		if c == class {
			return true
		}
	}
	return false
}

// Configuration is the complete, ordered lane layout plus the detection
// confidence floor. Lane order is significant: on overlap the earliest lane wins.
type Configuration struct {
	DetectionThreshold float64 `json:"detection_threshold" validate:"gte=0,lte=1"`
	NumLanes           int     `json:"num_lanes" validate:"gte=1,lte=5"`
	Lanes              []Lane  `json:"lanes" validate:"dive"`
}

// Validate checks field ranges and cross-field rules.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.NumLanes != len(c.Lanes) {
		return fmt.Errorf("%w: num_lanes is %d but %d lanes given", ErrInvalidConfig, c.NumLanes, len(c.Lanes))
	}
	seen := make(map[int]struct{}, len(c.Lanes))
	for _, l := range c.Lanes {
		if _, dup := seen[l.ID]; dup {
			return fmt.Errorf("%w: duplicate lane_id %d", ErrInvalidConfig, l.ID)
		}
		seen[l.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy so a published snapshot never shares slices with callers.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	out := &Configuration{
		DetectionThreshold: c.DetectionThreshold,
		NumLanes:           c.NumLanes,
		Lanes:              make([]Lane, len(c.Lanes)),
	}
	for i, l := range c.Lanes {
		out.Lanes[i] = Lane{
			ID:              l.ID,
			XMin:            l.XMin,
			XMax:            l.XMax,
			AllowedVehicles: append([]violation.ClassID(nil), l.AllowedVehicles...),
		}
	}
	return out
}

// Match returns the first lane whose range contains x.
func (c *Configuration) Match(x float64) (Lane, bool) {
	if c == nil {
		return Lane{}, false
	}
	for _, l := range c.Lanes {
		if l.ContainsX(x) {
			return l, true
		}
	}
	return Lane{}, false
}

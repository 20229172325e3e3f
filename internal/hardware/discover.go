package hardware

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/PicoPiece/ats-ats-node/internal/manifest"
	"github.com/PicoPiece/ats-ats-node/internal/retry"
)

var (
	// ErrNotFound means no attached device matched the identification
	// pattern after retry exhaustion.
	ErrNotFound = errors.New("hardware not found")

	// ErrAmbiguous means the pattern named a unique device (by serial
	// number) but several attached devices carry it.
	ErrAmbiguous = errors.New("hardware ambiguous")

	// ErrLost means a previously resolved device is no longer
	// enumerable. Raised on the flash→test handoff check; never
	// treated as renewed discovery.
	ErrLost = errors.New("hardware lost")
)

// Discoverer resolves a manifest identification pattern to a concrete
// attached device. It reads enumeration metadata only and never opens
// a port.
type Discoverer struct {
	enum  Enumerator
	log   *zap.Logger
	sleep retry.SleepFunc

	// gpioProbe is swapped out in tests; defaults to GPIOAvailable.
	gpioProbe func() bool
}

func NewDiscoverer(enum Enumerator, log *zap.Logger) *Discoverer {
	return &Discoverer{
		enum:      enum,
		log:       log,
		sleep:     retry.Sleep,
		gpioProbe: GPIOAvailable,
	}
}

// WithSleep substitutes the inter-attempt sleep. Test hook.
func (d *Discoverer) WithSleep(s retry.SleepFunc) *Discoverer {
	d.sleep = s
	return d
}

// WithGPIOProbe substitutes the GPIO availability check. Test hook.
func (d *Discoverer) WithGPIOProbe(probe func() bool) *Discoverer {
	d.gpioProbe = probe
	return d
}

// Discover enumerates attached devices until one matches the pattern,
// retrying under policy because USB enumeration lags physical
// attachment. When several devices match, the lexicographically first
// port name wins; that tie-break is deterministic and documented. A
// serial-number pattern matching more than one distinct device is
// ErrAmbiguous instead, since the pattern promised a unique identity.
func (d *Discoverer) Discover(ctx context.Context, match manifest.Match, baudRate int, policy retry.Policy) (*Descriptor, error) {
	var desc *Descriptor

	err := retry.Do(ctx, policy, d.sleep, func(err error) bool {
		// Ambiguity will not resolve itself with more attempts.
		return !errors.Is(err, ErrAmbiguous)
	}, func(attempt int) error {
		ports, err := d.enum.List()
		if err != nil {
			d.log.Warn("port enumeration failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return fmt.Errorf("%w: enumeration: %v", ErrNotFound, err)
		}

		candidates := filter(ports, match)
		if len(candidates) == 0 {
			d.log.Debug("no matching device yet",
				zap.Int("attempt", attempt),
				zap.Int("attached", len(ports)))
			return ErrNotFound
		}

		if match.SerialNumber != "" && len(candidates) > 1 {
			names := make([]string, len(candidates))
			for i, c := range candidates {
				names[i] = c.Name
			}
			return fmt.Errorf("%w: serial number %s matches %s",
				ErrAmbiguous, match.SerialNumber, strings.Join(names, ", "))
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Name < candidates[j].Name
		})
		chosen := candidates[0]
		if len(candidates) > 1 {
			d.log.Info("multiple candidates, taking first by port name",
				zap.Int("candidates", len(candidates)),
				zap.String("port", chosen.Name))
		}

		desc = &Descriptor{
			Port:          chosen.Name,
			BaudRate:      baudRate,
			VID:           chosen.VID,
			PID:           chosen.PID,
			SerialNumber:  chosen.SerialNumber,
			GPIOAvailable: d.gpioProbe(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.log.Info("device resolved",
		zap.String("port", desc.Port),
		zap.String("vid", desc.VID),
		zap.String("pid", desc.PID),
		zap.Bool("gpio", desc.GPIOAvailable))
	return desc, nil
}

// Confirm checks that a previously resolved device is still attached.
// Used for the flash→test handoff; failure is ErrLost, a fatal
// condition distinct from discovery failure.
func (d *Discoverer) Confirm(ctx context.Context, port string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ports, err := d.enum.List()
	if err != nil {
		return fmt.Errorf("%w: enumeration: %v", ErrLost, err)
	}
	for _, p := range ports {
		if p.Name == port {
			return nil
		}
	}
	return fmt.Errorf("%w: %s disappeared after flashing", ErrLost, port)
}

func filter(ports []PortInfo, match manifest.Match) []PortInfo {
	var out []PortInfo
	for _, p := range ports {
		if match.VID != "" && !strings.EqualFold(p.VID, match.VID) {
			continue
		}
		if match.PID != "" && !strings.EqualFold(p.PID, match.PID) {
			continue
		}
		if match.SerialNumber != "" && p.SerialNumber != match.SerialNumber {
			continue
		}
		if match.PortGlob != "" {
			ok, err := filepath.Match(match.PortGlob, p.Name)
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

package perception

import (
	"sync"
	"time"

	"imprint/internal/logging"
)

// DefaultMinDwell is how long a file must stay open before IDE observations
// on it count as attended.
const DefaultMinDwell = 15 * time.Second

// DwellTracker records how long each file has been in view and whether the
// user actually touched it. A file passes the attention threshold only when
// both hold: dwell time at or above the minimum, and at least one interaction.
type DwellTracker struct {
	mu         sync.Mutex
	minDwell   time.Duration
	firstSeen  map[string]time.Time
	interacted map[string]bool
	now        func() time.Time
}

// NewDwellTracker creates a tracker with the given minimum dwell time.
// A non-positive minimum falls back to DefaultMinDwell.
func NewDwellTracker(minDwell time.Duration) *DwellTracker {
	if minDwell <= 0 {
		minDwell = DefaultMinDwell
	}
	return &DwellTracker{
		minDwell:   minDwell,
		firstSeen:  make(map[string]time.Time),
		interacted: make(map[string]bool),
		now:        time.Now,
	}
}

// MarkViewed records that the file came into view. The first sighting starts
// the dwell clock; later calls do not reset it.
func (d *DwellTracker) MarkViewed(filePath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.firstSeen[filePath]; !ok {
		d.firstSeen[filePath] = d.now()
		d.interacted[filePath] = false
	}
}

// MarkInteraction records that the user typed or scrolled in the file.
func (d *DwellTracker) MarkInteraction(filePath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interacted[filePath] = true
}

// IsAttended reports whether the file has been viewed long enough and
// interacted with.
func (d *DwellTracker) IsAttended(filePath string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen, ok := d.firstSeen[filePath]
	if !ok {
		return false
	}
	if d.now().Sub(seen) < d.minDwell {
		return false
	}
	return d.interacted[filePath]
}

// Clear drops tracking state for one file.
func (d *DwellTracker) Clear(filePath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.firstSeen, filePath)
	delete(d.interacted, filePath)
}

// Reset drops all tracking state.
func (d *DwellTracker) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.firstSeen = make(map[string]time.Time)
	d.interacted = make(map[string]bool)
}

// AttentionObserver gates IDE observations behind the dwell tracker so that
// files the user merely glanced at never produce signals. Browser and
// terminal streams pass through unchanged.
type AttentionObserver struct {
	*UnifiedObserver
	Dwell *DwellTracker
}

// NewAttentionObserver creates an attention-filtered observer. minDwell <= 0
// uses DefaultMinDwell.
func NewAttentionObserver(minDwell time.Duration) *AttentionObserver {
	return &AttentionObserver{
		UnifiedObserver: NewUnifiedObserver(),
		Dwell:           NewDwellTracker(minDwell),
	}
}

// ObserveIDE tracks viewing and interaction, then observes the file only if
// it passes the attention threshold. Unattended files return an empty result.
func (a *AttentionObserver) ObserveIDE(activeFile, activeLines string, interacted bool) ExtractionResult {
	a.Dwell.MarkViewed(activeFile)
	if interacted {
		a.Dwell.MarkInteraction(activeFile)
	}
	if !a.Dwell.IsAttended(activeFile) {
		logging.PerceptionDebug("Attention filter dropped %s", activeFile)
		return ExtractionResult{}
	}
	return a.UnifiedObserver.ObserveIDE(activeFile, activeLines)
}

// FileClosed resets tracking when the user closes a file.
func (a *AttentionObserver) FileClosed(filePath string) {
	a.Dwell.Clear(filePath)
}

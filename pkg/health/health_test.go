package health

import (
	"errors"
	"testing"
)

func TestComponentStartsUnavailable(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("dicom")

	if got := tracker.GetState("dicom"); got != StateUnavailable {
		t.Errorf("expected unavailable before MarkUp, got %s", got)
	}
	if tracker.IsOnline("dicom") {
		t.Error("component should not be online before MarkUp")
	}
}

func TestMarkUpAndDown(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("api")

	tracker.MarkUp("api")
	if !tracker.IsOnline("api") {
		t.Error("component should be online after MarkUp")
	}

	tracker.MarkDown("api", errors.New("listener closed"))
	if tracker.IsOnline("api") {
		t.Error("component should be offline after MarkDown")
	}
	components := tracker.GetAllComponents()
	if components["api"].LastErrorMessage != "listener closed" {
		t.Errorf("unexpected error message: %q", components["api"].LastErrorMessage)
	}
}

func TestErrorThresholds(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 4})
	tracker.RegisterComponent("dicom")
	tracker.MarkUp("dicom")

	tracker.RecordError("dicom", errors.New("boom"))
	if got := tracker.GetState("dicom"); got != StateHealthy {
		t.Errorf("one error should not degrade, got %s", got)
	}

	tracker.RecordError("dicom", errors.New("boom"))
	if got := tracker.GetState("dicom"); got != StateDegraded {
		t.Errorf("expected degraded after threshold, got %s", got)
	}
	if !tracker.IsOnline("dicom") {
		t.Error("degraded component still counts as online")
	}

	tracker.RecordError("dicom", errors.New("boom"))
	tracker.RecordError("dicom", errors.New("boom"))
	if got := tracker.GetState("dicom"); got != StateUnavailable {
		t.Errorf("expected unavailable after threshold, got %s", got)
	}

	tracker.RecordSuccess("dicom")
	if got := tracker.GetState("dicom"); got != StateHealthy {
		t.Errorf("success should recover the component, got %s", got)
	}
}

func TestOverallHealthIsWorstComponent(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 5})
	tracker.RegisterComponent("dicom")
	tracker.RegisterComponent("api")
	tracker.MarkUp("dicom")
	tracker.MarkUp("api")

	if got := tracker.GetOverallHealth(); got != StateHealthy {
		t.Errorf("expected healthy, got %s", got)
	}

	tracker.RecordError("api", errors.New("boom"))
	if got := tracker.GetOverallHealth(); got != StateDegraded {
		t.Errorf("expected degraded overall, got %s", got)
	}
}

func TestUnknownComponentIsUnavailable(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	if got := tracker.GetState("missing"); got != StateUnavailable {
		t.Errorf("expected unavailable for unknown component, got %s", got)
	}
	// No-ops, must not panic.
	tracker.RecordSuccess("missing")
	tracker.RecordError("missing", errors.New("boom"))
	tracker.MarkDown("missing", nil)
}

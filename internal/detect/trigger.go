package detect

// Trigger reports co-presence of two classes in one frame.
type Trigger struct {
	Subject string
	Target  string
}

// Evaluate returns true when both classes appear in dets.
func (t Trigger) Evaluate(dets []Detection) bool {
	var subject, target bool
	for _, d := range dets {
		switch d.Class {
		case t.Subject:
			subject = true
		case t.Target:
			target = true
		}
		if subject && target {
			return true
		}
	}
	return false
}

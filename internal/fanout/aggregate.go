package fanout

import "fanout/internal/notification"

// Tally counts outcomes per channel. The zero value is the identity of Merge.
type Tally struct {
	PushSent    int
	PushFailed  int
	InAppSent   int
	InAppFailed int
}

// TallyOutcomes counts a slice of outcomes.
func TallyOutcomes(outcomes []notification.DeliveryOutcome) Tally {
	var t Tally
	for _, o := range outcomes {
		switch {
		case o.Channel == notification.ChannelPush && o.Status == notification.OutcomeSent:
			t.PushSent++
		case o.Channel == notification.ChannelPush:
			t.PushFailed++
		case o.Channel == notification.ChannelInApp && o.Status == notification.OutcomeSent:
			t.InAppSent++
		case o.Channel == notification.ChannelInApp:
			t.InAppFailed++
		}
	}
	return t
}

// Merge is associative and commutative.
func (t Tally) Merge(o Tally) Tally {
	return Tally{
		PushSent:    t.PushSent + o.PushSent,
		PushFailed:  t.PushFailed + o.PushFailed,
		InAppSent:   t.InAppSent + o.InAppSent,
		InAppFailed: t.InAppFailed + o.InAppFailed,
	}
}

// Stats maps the tally onto the record counters for total resolved recipients.
func (t Tally) Stats(total int) notification.DeliveryStats {
	return notification.DeliveryStats{
		Total:       total,
		Sent:        t.PushSent + t.InAppSent,
		Delivered:   t.PushSent,
		Failed:      t.PushFailed + t.InAppFailed,
		PushSent:    t.PushSent,
		PushFailed:  t.PushFailed,
		InAppSent:   t.InAppSent,
		InAppFailed: t.InAppFailed,
	}
}

// Reduce folds batch results in slice order so error order is stable.
func Reduce(results ...BatchResult) AggregateResult {
	var agg AggregateResult
	for _, r := range results {
		agg.Tally = agg.Tally.Merge(r.Tally)
		agg.Errors = append(agg.Errors, r.Errors...)
	}
	return agg
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

package submission

import (
	"sort"
	"time"
)

// RecentWindow bounds the failures counted as recent.
const RecentWindow = 24 * time.Hour

type historyKey struct {
	addressIndex int
	challengeID  string
}

// AddressHistory summarizes the attempts of one address on one challenge.
type AddressHistory struct {
	AddressIndex  int         `json:"address_index"`
	Address       string      `json:"address"`
	ChallengeID   string      `json:"challenge_id"`
	SuccessCount  int         `json:"success_count"`
	FailureCount  int         `json:"failure_count"`
	TotalAttempts int         `json:"total_attempts"`
	Failures      []Record    `json:"failures,omitempty"`
	Status        OutcomeKind `json:"status"`
}

type Reconciliation struct {
	// Receipts holds one receipt per key, the earliest one, oldest first.
	Receipts       []Record          `json:"receipts"`
	ActiveFailures []Failure         `json:"active_failures"`
	Outcomes       map[Key]Outcome   `json:"-"`
	AddressHistory []*AddressHistory `json:"address_history"`
	SuccessRate    float64           `json:"success_rate"`
	// RecentFailures counts active failures last attempted within RecentWindow.
	RecentFailures int `json:"recent_failures"`
}

// Outcome returns the logical outcome of k, Pending when it was never seen.
func (r *Reconciliation) Outcome(k Key) Outcome {
	if o, ok := r.Outcomes[k]; ok {
		return o
	}
	return Outcome{Kind: Pending}
}

// FoldFailures collapses raw failure events into one Failure per key, in
// order of first appearance.
func FoldFailures(events []Record) []Failure {
	index := make(map[Key]int)
	var out []Failure
	for _, ev := range events {
		k := ev.Key()
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, Failure{
				Key:           k,
				AddressIndex:  ev.AddressIndex,
				FirstFailedAt: ev.Timestamp,
				LastAttempt:   ev.Timestamp,
				Error:         ev.Error,
				RetryCount:    1,
			})
			continue
		}
		f := &out[i]
		f.RetryCount++
		if ev.Timestamp.Before(f.FirstFailedAt) {
			f.FirstFailedAt = ev.Timestamp
		}
		if !ev.Timestamp.Before(f.LastAttempt) {
			f.LastAttempt = ev.Timestamp
			f.Error = ev.Error
			f.AddressIndex = ev.AddressIndex
		}
	}
	return out
}

// DedupeReceipts keeps the earliest receipt of every key, oldest first.
func DedupeReceipts(receipts []Record) []Record {
	earliest := make(map[Key]int)
	var out []Record
	for _, r := range receipts {
		k := r.Key()
		i, ok := earliest[k]
		switch {
		case !ok:
			earliest[k] = len(out)
			out = append(out, r)
		case r.Timestamp.Before(out[i].Timestamp):
			out[i] = r
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Reconcile derives the logical outcome of every key from the raw receipt and
// failure events. It does not modify its inputs and gives the same result for
// any ordering of the events.
func Reconcile(receipts, failures []Record, now time.Time) *Reconciliation {
	res := &Reconciliation{
		Receipts: DedupeReceipts(receipts),
		Outcomes: make(map[Key]Outcome),
	}
	for i := range res.Receipts {
		r := &res.Receipts[i]
		res.Outcomes[r.Key()] = Outcome{Kind: Succeeded, Receipt: r}
	}

	folded := FoldFailures(failures)
	for i := range folded {
		f := &folded[i]
		if o, ok := res.Outcomes[f.Key]; ok {
			o.Failure = f
			res.Outcomes[f.Key] = o
			continue
		}
		res.Outcomes[f.Key] = Outcome{Kind: Failed, Failure: f}
		res.ActiveFailures = append(res.ActiveFailures, *f)
		if now.Sub(f.LastAttempt) <= RecentWindow {
			res.RecentFailures++
		}
	}
	sort.SliceStable(res.ActiveFailures, func(i, j int) bool {
		return res.ActiveFailures[i].LastAttempt.After(res.ActiveFailures[j].LastAttempt)
	})

	res.AddressHistory = addressHistory(res, failures)
	if total := len(res.Receipts) + len(res.ActiveFailures); total > 0 {
		res.SuccessRate = float64(len(res.Receipts)) / float64(total)
	}
	return res
}

func addressHistory(res *Reconciliation, failures []Record) []*AddressHistory {
	groups := make(map[historyKey]*AddressHistory)
	group := func(r *Record) *AddressHistory {
		hk := historyKey{addressIndex: r.AddressIndex, challengeID: r.ChallengeID}
		h, ok := groups[hk]
		if !ok {
			h = &AddressHistory{AddressIndex: r.AddressIndex, Address: r.Address, ChallengeID: r.ChallengeID}
			groups[hk] = h
		}
		return h
	}
	for i := range res.Receipts {
		group(&res.Receipts[i]).SuccessCount++
	}
	for i := range failures {
		ev := &failures[i]
		h := group(ev)
		h.FailureCount++
		h.Failures = append(h.Failures, *ev)
		if res.Outcomes[ev.Key()].Kind == Failed && h.Status != Succeeded {
			h.Status = Failed
		}
	}

	out := make([]*AddressHistory, 0, len(groups))
	for _, h := range groups {
		h.TotalAttempts = h.SuccessCount + h.FailureCount
		if h.SuccessCount > 0 {
			h.Status = Succeeded
		}
		sort.SliceStable(h.Failures, func(i, j int) bool { return h.Failures[i].Timestamp.Before(h.Failures[j].Timestamp) })
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddressIndex != out[j].AddressIndex {
			return out[i].AddressIndex < out[j].AddressIndex
		}
		return out[i].ChallengeID < out[j].ChallengeID
	})
	return out
}

// Package stats derives daily, hourly and reward views from the receipts log.
// Nothing is cached: every snapshot is recomputed from the receipts.
package stats

import (
	"sort"
	"time"

	"github.com/nightminer/harvester/submission"
)

const (
	day = 24 * time.Hour

	DefaultLastHours  = 24
	DefaultRateWindow = time.Hour
)

type Options struct {
	// MiningStart is the beginning of day 1.
	MiningStart time.Time
	Now         time.Time
	// LastHours is the length of the hourly series.
	LastHours int
	// RateWindow is the trailing window of the solved-per-hour rate.
	RateWindow time.Duration
}

type DayBucket struct {
	Day      int       `json:"day"`
	Start    time.Time `json:"start"`
	Receipts int       `json:"receipts"`
	// Rate is the reward per receipt, zero while unpublished.
	Rate    float64 `json:"rate"`
	HasRate bool    `json:"has_rate"`
	Reward  float64 `json:"reward"`
}

type HourBucket struct {
	Start    time.Time `json:"start"`
	Receipts int       `json:"receipts"`
}

type AddressBucket struct {
	Address      string  `json:"address"`
	AddressIndex int     `json:"address_index"`
	Receipts     int     `json:"receipts"`
	Reward       float64 `json:"reward"`
}

type Snapshot struct {
	Days      []DayBucket      `json:"days"`
	Addresses []*AddressBucket `json:"addresses"`

	TotalReceipts int     `json:"total_receipts"`
	TotalReward   float64 `json:"total_reward"`
	FeeReceipts   int     `json:"fee_receipts"`
	// Unbucketed counts receipts submitted before MiningStart.
	Unbucketed int `json:"unbucketed"`

	PreviousHour  HourBucket   `json:"previous_hour"`
	LastHours     []HourBucket `json:"last_hours"`
	Today         DayBucket    `json:"today"`
	SolvedPerHour float64      `json:"solved_per_hour"`
}

// DayOf returns the 1-based day of ts relative to start, or 0 before start.
func DayOf(ts, start time.Time) int {
	if ts.Before(start) {
		return 0
	}
	return int(ts.Sub(start)/day) + 1
}

func rateOf(rates []float64, d int) (float64, bool) {
	if d < 1 || d > len(rates) {
		return 0, false
	}
	return rates[d-1], true
}

func newDay(d int, start time.Time, rates []float64) DayBucket {
	rate, ok := rateOf(rates, d)
	return DayBucket{Day: d, Start: start.Add(time.Duration(d-1) * day), Rate: rate, HasRate: ok}
}

// Compute buckets receipts by submission time. Repeated receipts of one
// solution count once.
func Compute(receipts []submission.Record, rates []float64, opts Options) *Snapshot {
	if opts.LastHours <= 0 {
		opts.LastHours = DefaultLastHours
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	receipts = submission.DedupeReceipts(receipts)

	snap := &Snapshot{}
	days := make(map[int]*DayBucket)
	addresses := make(map[string]*AddressBucket)

	currentHour := opts.Now.Truncate(time.Hour)
	previousHour := currentHour.Add(-time.Hour)
	firstHour := currentHour.Add(-time.Duration(opts.LastHours-1) * time.Hour)
	hours := make([]HourBucket, opts.LastHours)
	for i := range hours {
		hours[i].Start = firstHour.Add(time.Duration(i) * time.Hour)
	}
	snap.PreviousHour.Start = previousHour
	today := DayOf(opts.Now, opts.MiningStart)
	snap.Today = newDay(today, opts.MiningStart, rates)
	windowStart := opts.Now.Add(-opts.RateWindow)
	var inWindow int

	for _, r := range receipts {
		snap.TotalReceipts++
		if r.Fee {
			snap.FeeReceipts++
		}

		a, ok := addresses[r.Address]
		if !ok {
			a = &AddressBucket{Address: r.Address, AddressIndex: r.AddressIndex}
			addresses[r.Address] = a
		}
		a.Receipts++

		if d := DayOf(r.Timestamp, opts.MiningStart); d > 0 {
			b, ok := days[d]
			if !ok {
				nb := newDay(d, opts.MiningStart, rates)
				b = &nb
				days[d] = b
			}
			b.Receipts++
			b.Reward += b.Rate
			a.Reward += b.Rate
			snap.TotalReward += b.Rate
			if d == today {
				snap.Today.Receipts++
				snap.Today.Reward += b.Rate
			}
		} else {
			snap.Unbucketed++
		}

		hour := r.Timestamp.Truncate(time.Hour)
		if hour.Equal(previousHour) {
			snap.PreviousHour.Receipts++
		}
		if !hour.Before(firstHour) && !hour.After(currentHour) {
			hours[int(hour.Sub(firstHour)/time.Hour)].Receipts++
		}
		if r.Timestamp.After(windowStart) && !r.Timestamp.After(opts.Now) {
			inWindow++
		}
	}

	snap.LastHours = hours
	snap.SolvedPerHour = float64(inWindow) / opts.RateWindow.Hours()
	for _, b := range days {
		snap.Days = append(snap.Days, *b)
	}
	sort.Slice(snap.Days, func(i, j int) bool { return snap.Days[i].Day < snap.Days[j].Day })
	for _, a := range addresses {
		snap.Addresses = append(snap.Addresses, a)
	}
	sort.Slice(snap.Addresses, func(i, j int) bool {
		if snap.Addresses[i].AddressIndex != snap.Addresses[j].AddressIndex {
			return snap.Addresses[i].AddressIndex < snap.Addresses[j].AddressIndex
		}
		return snap.Addresses[i].Address < snap.Addresses[j].Address
	})
	return snap
}

package dispatch

import (
	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/core/registry"
)

// Rank returns the candidate list for an order: idle online drivers, nearest
// first when the order has an origin. Drivers without a location follow the
// ranked ones or are dropped, depending on the unranked policy.
func (e *Engine) Rank(o model.Order) []model.Candidate {
	idle := false
	drivers := e.drivers.ListAvailable(registry.Query{FilterBusy: &idle, Origin: o.Origin})
	return rankCandidates(drivers, o.Origin != nil, e.cfg.UnrankedPolicy)
}

func rankCandidates(drivers []model.RankedDriver, hasOrigin bool, policy UnrankedPolicy) []model.Candidate {
	out := make([]model.Candidate, 0, len(drivers))
	for _, d := range drivers {
		if hasOrigin && d.Distance == nil && policy == UnrankedExclude {
			continue
		}
		c := model.Candidate{DriverID: d.ID}
		if d.Distance != nil {
			dist := *d.Distance
			c.Distance = &dist
		}
		out = append(out, c)
	}
	return out
}

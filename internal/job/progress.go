package job

// Progress is the aggregate unit progress snapshot surfaced by the status
// endpoint.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Cancelled int     `json:"cancelled"`
	Pending   int     `json:"pending"`
	Percent   float64 `json:"percent"`
}

// ComputeProgress aggregates unit statuses. Percent counts terminal units
// against the total; skipped units count as done.
func (j *Job) ComputeProgress() Progress {
	p := Progress{Total: len(j.Units)}
	for _, u := range j.Units {
		switch u.Status {
		case UnitCompleted:
			p.Completed++
		case UnitFailed:
			p.Failed++
		case UnitSkipped:
			p.Skipped++
		case UnitCancelled:
			p.Cancelled++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Skipped+p.Cancelled) / float64(p.Total) * 100
	}
	return p
}

// FinalStatus determines the job's terminal status from its unit outcomes:
// COMPLETED if every non-skipped unit completed, FAILED if every unit
// failed, PARTIAL otherwise.
func (j *Job) FinalStatus() Status {
	var completed, failed, other int
	for _, u := range j.Units {
		switch u.Status {
		case UnitCompleted:
			completed++
		case UnitFailed:
			failed++
		case UnitSkipped:
			// Skipped units are ignored by the final-status rule.
		default:
			other++
		}
	}
	switch {
	case failed == 0 && other == 0:
		return StatusCompleted
	case completed == 0 && other == 0 && failed > 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// PhaseAggregate summarises one phase's status across all units.
type PhaseAggregate struct {
	PhaseID   string `json:"phase_id"`
	Name      string `json:"name"`
	PerUnit   bool   `json:"per_unit"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Running   int    `json:"running"`
	Pending   int    `json:"pending"`
	Status    string `json:"status"` // for global phases
}

// PhaseAggregates computes the per-phase aggregate view for the status
// endpoint, in definition order.
func (j *Job) PhaseAggregates() []PhaseAggregate {
	out := make([]PhaseAggregate, 0, len(j.PhaseDefinitions))
	for _, def := range j.PhaseDefinitions {
		agg := PhaseAggregate{PhaseID: def.ID, Name: def.Name, PerUnit: def.PerUnit}
		if !def.PerUnit {
			st, ok := j.GlobalPhaseStatus[def.ID]
			if !ok {
				st = PhasePending
			}
			agg.Status = string(st)
			out = append(out, agg)
			continue
		}
		for _, u := range j.Units {
			switch {
			case u.CurrentPhase == def.ID:
				agg.Running++
			case contains(u.CompletedPhases, def.ID):
				agg.Completed++
			case contains(u.SkippedPhases, def.ID):
				agg.Skipped++
			case u.HasFailed(def.ID):
				agg.Failed++
			default:
				agg.Pending++
			}
		}
		out = append(out, agg)
	}
	return out
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

package engine

import "github.com/FlexiInc/sirpi-gcp/pkg/stores"

// phasePrereqs maps each phase to the milestones a project may be at when
// the phase starts. A failed phase keeps the previous milestone, so a
// retry enters through the same row.
var phasePrereqs = map[stores.Phase][]stores.Milestone{
	stores.PhaseBuild:   {stores.MilestoneNone, stores.MilestoneDestroyed},
	stores.PhasePlan:    {stores.MilestoneBuilt},
	stores.PhaseApply:   {stores.MilestonePlanned},
	stores.PhaseDestroy: {stores.MilestoneDeployed},
}

// phaseMilestones maps each phase to the milestone recorded when it
// succeeds.
var phaseMilestones = map[stores.Phase]stores.Milestone{
	stores.PhaseBuild:   stores.MilestoneBuilt,
	stores.PhasePlan:    stores.MilestonePlanned,
	stores.PhaseApply:   stores.MilestoneDeployed,
	stores.PhaseDestroy: stores.MilestoneDestroyed,
}

// AllowedMilestones returns the milestones from which a phase may start.
func AllowedMilestones(phase stores.Phase) []stores.Milestone {
	return phasePrereqs[phase]
}

package jobs

import (
	"sort"
)

// GroupStatus is the aggregate status of a set of jobs.
type GroupStatus string

const (
	GroupRunning   GroupStatus = "running"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
	GroupPartial   GroupStatus = "partial"
)

// FrameGroup holds the jobs of one timestep.
type FrameGroup struct {
	Timestep int            `json:"timestep"`
	Status   GroupStatus    `json:"status"`
	Jobs     []StatusUpdate `json:"jobs"`
}

// TrajectoryGroup holds the frames of one trajectory.
type TrajectoryGroup struct {
	TrajectoryID   string       `json:"trajectoryId"`
	TrajectoryName string       `json:"trajectoryName,omitempty"`
	Status         GroupStatus  `json:"status"`
	Total          int          `json:"total"`
	Completed      int          `json:"completed"`
	Failed         int          `json:"failed"`
	Frames         []FrameGroup `json:"frames"`
}

// GroupJobs deduplicates records by job id, keeping the latest timestamp,
// and groups them by trajectory and then timestep. Groups are ordered by id
// and timestep; jobs by ForEach index, then job id.
func GroupJobs(records []StatusUpdate) []TrajectoryGroup {
	latest := make(map[string]StatusUpdate, len(records))
	for _, rec := range records {
		if cur, ok := latest[rec.JobID]; !ok || rec.Timestamp.After(cur.Timestamp) {
			latest[rec.JobID] = rec
		}
	}

	byTrajectory := make(map[string]map[int][]StatusUpdate)
	names := make(map[string]string)
	for _, rec := range latest {
		frames, ok := byTrajectory[rec.TrajectoryID]
		if !ok {
			frames = make(map[int][]StatusUpdate)
			byTrajectory[rec.TrajectoryID] = frames
		}
		frames[rec.Timestep] = append(frames[rec.Timestep], rec)
		if rec.TrajectoryName != "" {
			names[rec.TrajectoryID] = rec.TrajectoryName
		}
	}

	groups := make([]TrajectoryGroup, 0, len(byTrajectory))
	for trajectoryID, frames := range byTrajectory {
		g := TrajectoryGroup{TrajectoryID: trajectoryID, TrajectoryName: names[trajectoryID]}
		var all []Status
		for ts, jobs := range frames {
			sortJobs(jobs)
			statuses := make([]Status, 0, len(jobs))
			for _, j := range jobs {
				statuses = append(statuses, j.Status)
				switch j.Status {
				case StatusCompleted:
					g.Completed++
				case StatusFailed:
					g.Failed++
				}
			}
			all = append(all, statuses...)
			g.Frames = append(g.Frames, FrameGroup{Timestep: ts, Status: Aggregate(statuses), Jobs: jobs})
		}
		sort.Slice(g.Frames, func(i, j int) bool { return g.Frames[i].Timestep < g.Frames[j].Timestep })
		g.Total = len(all)
		g.Status = Aggregate(all)
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].TrajectoryID < groups[j].TrajectoryID })
	return groups
}

// Aggregate folds job statuses into one group status. Any active job makes
// the group running; otherwise all completed is completed, no completed is
// failed and a mix is partial.
func Aggregate(statuses []Status) GroupStatus {
	completed := 0
	for _, s := range statuses {
		switch s {
		case StatusRunning, StatusQueued, StatusWaitingForUpload:
			return GroupRunning
		case StatusCompleted:
			completed++
		}
	}
	switch {
	case completed == len(statuses):
		return GroupCompleted
	case completed == 0:
		return GroupFailed
	default:
		return GroupPartial
	}
}

func sortJobs(jobs []StatusUpdate) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].ForEachIndex, jobs[j].ForEachIndex
		if a != nil && b != nil && *a != *b {
			return *a < *b
		}
		return jobs[i].JobID < jobs[j].JobID
	})
}

package jobs

import (
	"time"
)

// Status is the lifecycle state of one job.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusWaitingForUpload Status = "waiting_for_upload"
)

// Terminal reports whether no worker will touch a job in this state again
// without an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultQueue is the queue analysis jobs are dispatched on.
const DefaultQueue = "analysis_processing"

// AnalysisJobMetadata is the unit of work a job carries: one timestep, and
// one ForEach item when the plugin iterates. PluginID and PluginRevision pin
// the plugin version the analysis was scheduled with.
type AnalysisJobMetadata struct {
	TrajectoryID   string         `json:"trajectoryId"`
	TrajectoryName string         `json:"trajectoryName,omitempty"`
	AnalysisID     string         `json:"analysisId"`
	Config         map[string]any `json:"config"`
	Timestep       int            `json:"timestep"`
	PluginSlug     string         `json:"pluginSlug"`
	PluginID       string         `json:"pluginId,omitempty"`
	PluginRevision time.Time      `json:"pluginRevision"`
	ForEachItem    any            `json:"forEachItem,omitempty"`
	ForEachIndex   *int           `json:"forEachIndex,omitempty"`
	TotalItems     int            `json:"totalItems"`
}

// Job is one schedulable (timestep, iteration item) unit.
type Job struct {
	JobID       string              `json:"jobId"`
	TeamID      string              `json:"teamId"`
	QueueType   string              `json:"queueType"`
	SessionID   string              `json:"sessionId"`
	Attempts    int                 `json:"attempts"`
	UploadWaits int                 `json:"uploadWaits"`
	Metadata    AnalysisJobMetadata `json:"metadata"`
}

// StatusUpdate is both the stored status record of a job and the payload
// broadcast to team subscribers on every transition.
type StatusUpdate struct {
	JobID          string         `json:"jobId"`
	TeamID         string         `json:"teamId"`
	Status         Status         `json:"status"`
	Progress       int            `json:"progress"`
	TrajectoryID   string         `json:"trajectoryId"`
	TrajectoryName string         `json:"trajectoryName,omitempty"`
	AnalysisID     string         `json:"analysisId"`
	Timestep       int            `json:"timestep"`
	ForEachIndex   *int           `json:"forEachIndex,omitempty"`
	SessionID      string         `json:"sessionId"`
	Timestamp      time.Time      `json:"timestamp"`
	QueueType      string         `json:"queueType"`
	Error          string         `json:"error,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
}

// update builds the status record for job in state s.
func (j *Job) update(s Status) StatusUpdate {
	progress := 0
	if s == StatusCompleted {
		progress = 100
	}
	return StatusUpdate{
		JobID:          j.JobID,
		TeamID:         j.TeamID,
		Status:         s,
		Progress:       progress,
		TrajectoryID:   j.Metadata.TrajectoryID,
		TrajectoryName: j.Metadata.TrajectoryName,
		AnalysisID:     j.Metadata.AnalysisID,
		Timestep:       j.Metadata.Timestep,
		ForEachIndex:   j.Metadata.ForEachIndex,
		SessionID:      j.SessionID,
		Timestamp:      time.Now().UTC(),
		QueueType:      j.QueueType,
	}
}

// AnalysisStatus is the lifecycle state of an Analysis.
type AnalysisStatus string

const (
	AnalysisQueued     AnalysisStatus = "queued"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// Analysis is one run of a plugin over a trajectory.
type Analysis struct {
	ID              string         `json:"id"`
	TrajectoryID    string         `json:"trajectoryId"`
	TeamID          string         `json:"teamId"`
	Plugin          string         `json:"plugin"`
	Config          map[string]any `json:"config"`
	Status          AnalysisStatus `json:"status"`
	CompletedFrames int            `json:"completedFrames"`
	TotalItems      int            `json:"totalItems"`
	CreatedAt       time.Time      `json:"createdAt"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
}

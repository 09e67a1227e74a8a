package runstore

import "github.com/cyclopcam/dbh"

type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunParams are the inputs of a training run
type RunParams struct {
	Seed            int64   `json:"seed"`
	SamplesPerClass int     `json:"samplesPerClass"`
	NumClasses      int     `json:"numClasses"`
	InputSize       [2]int  `json:"inputSize"`
	Architecture    string  `json:"architecture"`
	Epochs          int     `json:"epochs"`
	LearningRate    float64 `json:"learningRate"`
	CPU             string  `json:"cpu"`
}

// RunResults are the outcome of a successful run
type RunResults struct {
	Top1              float64 `json:"top1"`
	Top3              float64 `json:"top3"`
	ECE               float64 `json:"ece"`
	Coverage          float64 `json:"coverage"`
	SelectiveAccuracy float64 `json:"selectiveAccuracy"`
	BestEpoch         int     `json:"bestEpoch"`
	StoppedEarly      bool    `json:"stoppedEarly"`
	ArtifactBytes     int64   `json:"artifactBytes"`
	ArtifactURL       string  `json:"artifactUrl,omitempty"`
}

// Run is one execution of the training pipeline
type Run struct {
	BaseModel
	UUID         string                     `json:"uuid"`
	Version      string                     `json:"version"`
	Status       RunStatus                  `json:"status"`
	StartedAt    dbh.IntTime                `json:"startedAt"`
	FinishedAt   dbh.IntTime                `json:"finishedAt" gorm:"default:null"`
	LabelsSHA256 string                     `json:"labelsSha256" gorm:"column:labels_sha256"`
	Params       *dbh.JSONField[RunParams]  `json:"params"`
	Results      *dbh.JSONField[RunResults] `json:"results"`
	Error        string                     `json:"error"`
}

// Epoch is the statistics of one training epoch
type Epoch struct {
	BaseModel
	RunID         int64   `json:"runId"`
	Epoch         int     `json:"epoch"`
	LearningRate  float64 `json:"learningRate"`
	TrainLoss     float64 `json:"trainLoss"`
	TrainAccuracy float64 `json:"trainAccuracy"`
	ValLoss       float64 `json:"valLoss"`
	ValAccuracy   float64 `json:"valAccuracy"`
	Improved      bool    `json:"improved"`
	DurationMS    int64   `json:"durationMs" gorm:"column:duration_ms"`
}

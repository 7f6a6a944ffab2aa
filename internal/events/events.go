// Package events publishes recording lifecycle notifications to an
// external channel so other systems can react to finished recordings
// without scraping the filesystem.
package events

import "github.com/AlekSi/pointer"

type RecordingStarted struct {
	Id         string `json:"id"`
	ProducerId string `json:"producerId"`
	File       string `json:"file"`
}

type RecordingStopped struct {
	Id         string  `json:"id"`
	ProducerId string  `json:"producerId"`
	File       string  `json:"file"`
	Reason     string  `json:"reason"`
	Failed     bool    `json:"failed"`
	Error      *string `json:"error,omitempty"`
}

const (
	StopReasonNormal  = "stopped"
	StopReasonFailure = "failed"
)

func NewRecordingStarted(producerId, file string) RecordingStarted {
	return RecordingStarted{Id: "recordingStarted", ProducerId: producerId, File: file}
}

func NewRecordingStopped(producerId, file, reason string, err error) RecordingStopped {
	e := RecordingStopped{
		Id:         "recordingStopped",
		ProducerId: producerId,
		File:       file,
		Reason:     reason,
		Failed:     reason == StopReasonFailure,
	}
	if err != nil {
		e.Error = pointer.ToString(err.Error())
	}
	return e
}

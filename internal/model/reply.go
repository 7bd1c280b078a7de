package model

import "time"

// ReplyKind classifies the preset answers a doctor can send back.
type ReplyKind string

const (
	ReplyComing       ReplyKind = "coming"
	ReplyInFive       ReplyKind = "in_5_min"
	ReplyInTen        ReplyKind = "in_10_min"
	ReplyAcknowledged ReplyKind = "acknowledged"
	ReplyCustom       ReplyKind = "custom"
)

// Preset reply texts as sent by the doctor-side app.
var replyPresets = map[string]ReplyKind{
	"갈게요":  ReplyComing,
	"5분후":  ReplyInFive,
	"10분후": ReplyInTen,
	"확인":   ReplyAcknowledged,
}

// ReplyRow is a doctor_replies row, keyed by patient name on the wire.
type ReplyRow struct {
	PatientName string    `db:"patient_name" json:"patient_name"`
	Reply       string    `db:"reply" json:"reply"`
	Icon        *string   `db:"icon" json:"icon"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// DoctorReply is an ephemeral answer to a call, held locally with a TTL.
type DoctorReply struct {
	PatientID  int64     `json:"patient_id"`
	ReplyText  string    `json:"reply"`
	Icon       string    `json:"icon,omitempty"`
	Kind       ReplyKind `json:"kind"`
	ReceivedAt time.Time `json:"received_at"`
}

func ClassifyReply(text string) ReplyKind {
	if k, ok := replyPresets[text]; ok {
		return k
	}
	return ReplyCustom
}

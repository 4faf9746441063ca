package agency

import "time"

// Kind is the agency network an agency belongs to. The partner only accepts
// conventions supervised by some kinds.
type Kind string

const (
	KindPoleEmploi           Kind = "pole-emploi"
	KindMissionLocale        Kind = "mission-locale"
	KindCapEmploi            Kind = "cap-emploi"
	KindConseilDepartemental Kind = "conseil-departemental"
	KindStructureIAE         Kind = "structure-IAE"
	KindOther                Kind = "autre"
)

// Agency captures the subset of agency data the convention lifecycle needs.
type Agency struct {
	ID        string
	Name      string
	Kind      Kind
	CreatedAt time.Time
}

package domain

type Status string

const (
	StatusSubmitted       Status = "submitted"
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusResolved        Status = "resolved"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusSubmitted, StatusInProgress, StatusPendingApproval, StatusResolved:
		return true
	}
	return false
}

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool { return s == StatusResolved }

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Rank orders priorities, Low lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	default:
		return 0
	}
}

type Category string

const (
	CategoryPothole     Category = "Pothole"
	CategoryStreetlight Category = "Streetlight"
	CategoryGarbage     Category = "Garbage"
	CategoryWater       Category = "Water"
	CategoryDrainage    Category = "Drainage"
	CategoryRoad        Category = "Road"
	CategoryElectricity Category = "Electricity"
	CategoryOther       Category = "Other"
)

// Categories lists every accepted category in display order.
var Categories = []Category{
	CategoryPothole, CategoryStreetlight, CategoryGarbage, CategoryWater,
	CategoryDrainage, CategoryRoad, CategoryElectricity, CategoryOther,
}

func (c Category) String() string { return string(c) }

func (c Category) IsValid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type ActorKind string

const (
	ActorCitizen  ActorKind = "citizen"
	ActorStaff    ActorKind = "staff"
	ActorOfficial ActorKind = "official"
)

func (k ActorKind) String() string { return string(k) }

func (k ActorKind) IsValid() bool {
	switch k {
	case ActorCitizen, ActorStaff, ActorOfficial:
		return true
	}
	return false
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is a user's role within a church.
type Role string

const (
	RoleSuperintendent Role = "superintendent"
	RoleTeacher        Role = "teacher"
	RoleMember         Role = "member"
	RoleSystemAdmin    Role = "system_admin"
)

// Currency of a monetary amount.
type Currency string

const (
	CurrencyGHS Currency = "GHS"
	CurrencyUSD Currency = "USD"
)

// Quarter is the half-year a book order covers.
type Quarter string

const (
	QuarterFirstHalf  Quarter = "Q1-Q2"
	QuarterSecondHalf Quarter = "Q3-Q4"
)

// OrderStatus is the book order workflow state.
type OrderStatus string

const (
	OrderDraft     OrderStatus = "draft"
	OrderSubmitted OrderStatus = "submitted"
	OrderApproved  OrderStatus = "approved"
)

// AbsenceReason explains a missed meeting.
type AbsenceReason string

const (
	AbsenceSick            AbsenceReason = "sick"
	AbsenceTraveling       AbsenceReason = "traveling"
	AbsenceWork            AbsenceReason = "work"
	AbsenceFamilyEmergency AbsenceReason = "family_emergency"
	AbsenceUnknown         AbsenceReason = "unknown"
	AbsenceOther           AbsenceReason = "other"
)

// Dates without a time of day are carried as YYYY-MM-DD strings.

// Church is the top-level organization.
type Church struct {
	Base
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
	District     string `json:"district,omitempty"`
	Country      string `json:"country"`
	Denomination string `json:"denomination"`
}

func (*Church) EntityType() EntityType { return TypeChurch }

// Owner of a church is the church itself.
func (c *Church) Owner() Owner { return Owner{ChurchID: c.ID} }

func (*Church) References() []Reference { return nil }

// User is a church member, teacher or superintendent.
type User struct {
	Base
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        Role       `json:"role"`
	Church      string     `json:"church,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	IsOfficer   bool       `json:"is_officer"`
	IsActive    bool       `json:"is_active"`
	IsSuperuser bool       `json:"is_superuser"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
	DateJoined  time.Time  `json:"date_joined"`
}

func (*User) EntityType() EntityType { return TypeUser }

func (u *User) References() []Reference {
	return []Reference{{Type: TypeChurch, Field: "church", ID: &u.Church}}
}

// Subscription is the church billing record. It is owned by the server.
type Subscription struct {
	Base
	Church           string `json:"church"`
	Plan             string `json:"plan"`
	Status           string `json:"status"`
	TrialEndDate     string `json:"trial_end_date"`
	CurrentPeriodEnd string `json:"current_period_end"`
	GracePeriodEnd   string `json:"grace_period_end,omitempty"`
}

func (*Subscription) EntityType() EntityType { return TypeSubscription }

func (s *Subscription) References() []Reference {
	return []Reference{{Type: TypeChurch, Field: "church", ID: &s.Church}}
}

// ActionUnitClass is a Sabbath School class.
type ActionUnitClass struct {
	Base
	Church      string `json:"church"`
	Name        string `json:"name"`
	Location    string `json:"location,omitempty"`
	MeetingTime string `json:"meeting_time,omitempty"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
}

func (*ActionUnitClass) EntityType() EntityType { return TypeActionUnitClass }

func (c *ActionUnitClass) References() []Reference {
	return []Reference{{Type: TypeChurch, Field: "church", ID: &c.Church}}
}

// ClassTeacher assigns a teacher to a class.
type ClassTeacher struct {
	Base
	ActionUnitClass string `json:"action_unit_class"`
	Teacher         string `json:"teacher"`
	AssignedDate    string `json:"assigned_date"`
	IsActive        bool   `json:"is_active"`
}

func (*ClassTeacher) EntityType() EntityType { return TypeClassTeacher }

func (t *ClassTeacher) References() []Reference {
	return []Reference{
		{Type: TypeActionUnitClass, Field: "action_unit_class", ID: &t.ActionUnitClass},
		{Type: TypeUser, Field: "teacher", ID: &t.Teacher},
	}
}

// ClassMember enrolls a user in a class.
type ClassMember struct {
	Base
	ActionUnitClass string `json:"action_unit_class"`
	User            string `json:"user"`
	Location        string `json:"location,omitempty"`
	JoinedDate      string `json:"joined_date"`
	IsActive        bool   `json:"is_active"`
}

func (*ClassMember) EntityType() EntityType { return TypeClassMember }

func (m *ClassMember) References() []Reference {
	return []Reference{
		{Type: TypeActionUnitClass, Field: "action_unit_class", ID: &m.ActionUnitClass},
		{Type: TypeUser, Field: "user", ID: &m.User},
	}
}

// Attendance is one member's presence mark for one date.
type Attendance struct {
	Base
	ClassMember   string        `json:"class_member"`
	Date          string        `json:"date"`
	IsPresent     bool          `json:"is_present"`
	AbsenceReason AbsenceReason `json:"absence_reason,omitempty"`
	MarkedBy      string        `json:"marked_by"`
	MarkedAt      time.Time     `json:"marked_at"`
}

func (*Attendance) EntityType() EntityType { return TypeAttendance }

func (a *Attendance) References() []Reference {
	return []Reference{
		{Type: TypeClassMember, Field: "class_member", ID: &a.ClassMember},
		{Type: TypeUser, Field: "marked_by", ID: &a.MarkedBy},
	}
}

// Offering is a class contribution.
type Offering struct {
	Base
	ActionUnitClass string          `json:"action_unit_class"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        Currency        `json:"currency"`
	Date            string          `json:"date"`
	RecordedBy      string          `json:"recorded_by"`
	Notes           string          `json:"notes,omitempty"`
}

func (*Offering) EntityType() EntityType { return TypeOffering }

func (o *Offering) References() []Reference {
	return []Reference{
		{Type: TypeActionUnitClass, Field: "action_unit_class", ID: &o.ActionUnitClass},
		{Type: TypeUser, Field: "recorded_by", ID: &o.RecordedBy},
	}
}

// QuarterlyBook is a lesson book a church offers for ordering.
type QuarterlyBook struct {
	Base
	Church   string          `json:"church"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Currency Currency        `json:"currency"`
	IsActive bool            `json:"is_active"`
}

func (*QuarterlyBook) EntityType() EntityType { return TypeQuarterlyBook }

func (b *QuarterlyBook) References() []Reference {
	return []Reference{{Type: TypeChurch, Field: "church", ID: &b.Church}}
}

// BookOrder is a class's order of quarterly books.
type BookOrder struct {
	Base
	ActionUnitClass string          `json:"action_unit_class"`
	Quarter         Quarter         `json:"quarter"`
	Year            int             `json:"year"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          OrderStatus     `json:"status"`
	SubmittedBy     string          `json:"submitted_by"`
	SubmittedDate   *time.Time      `json:"submitted_date,omitempty"`
}

func (*BookOrder) EntityType() EntityType { return TypeBookOrder }

func (o *BookOrder) References() []Reference {
	return []Reference{
		{Type: TypeActionUnitClass, Field: "action_unit_class", ID: &o.ActionUnitClass},
		{Type: TypeUser, Field: "submitted_by", ID: &o.SubmittedBy},
	}
}

// OrderItem is one line of a book order.
type OrderItem struct {
	Base
	BookOrder     string          `json:"book_order"`
	QuarterlyBook string          `json:"quarterly_book"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalPrice    decimal.Decimal `json:"total_price"`
}

func (*OrderItem) EntityType() EntityType { return TypeOrderItem }

func (i *OrderItem) References() []Reference {
	return []Reference{
		{Type: TypeBookOrder, Field: "book_order", ID: &i.BookOrder},
		{Type: TypeQuarterlyBook, Field: "quarterly_book", ID: &i.QuarterlyBook},
	}
}

// Recalculate sets TotalPrice to UnitPrice × Quantity.
func (i *OrderItem) Recalculate() {
	i.TotalPrice = i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderTotal sums the line totals of the items belonging to orderID.
func OrderTotal(orderID string, items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		if item.BookOrder == orderID {
			total = total.Add(item.TotalPrice)
		}
	}
	return total
}

// NaturalKey identifies the attendance mark of one member on one date, so
// re-marking updates the existing record.
func (a *Attendance) NaturalKey() string {
	if a.ClassMember == "" || a.Date == "" {
		return ""
	}
	return a.ClassMember + "|" + a.Date
}

package sync

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/actionunit/aumanager/backend/internal/models"
)

// priority is the order entity types are drained in. Attendance and
// offerings are time-sensitive and small; structural records come last.
var priority = []models.EntityType{
	models.TypeAttendance,
	models.TypeOffering,
	models.TypeBookOrder,
	models.TypeClassMember,
	models.TypeActionUnitClass,
	models.TypeUser,
	models.TypeChurch,
	models.TypeClassTeacher,
	models.TypeQuarterlyBook,
	models.TypeOrderItem,
}

// collections maps entity types to their REST collection. Churches are
// written through the profile endpoint instead.
var collections = map[models.EntityType]string{
	models.TypeAttendance:      "attendance",
	models.TypeOffering:        "offerings",
	models.TypeBookOrder:       "book-orders",
	models.TypeClassMember:     "members-classes",
	models.TypeActionUnitClass: "classes",
	models.TypeUser:            "users",
	models.TypeClassTeacher:    "class-teachers",
	models.TypeQuarterlyBook:   "quarterly-books",
	models.TypeOrderItem:       "order-items",
}

// Collection returns the REST collection of t.
func Collection(t models.EntityType) (string, bool) {
	c, ok := collections[t]
	return c, ok
}

// body is a request payload in the server's field names.
type body map[string]interface{}

// ref renders a foreign key, null when unset.
func ref(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}

// amount renders money as a JSON number without going through float64.
func amount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// toRemote maps a local record to the request body of its endpoint. Only
// fields the server accepts are sent; sync metadata stays on the device.
func toRemote(e models.Entity) (body, error) {
	switch v := e.(type) {
	case *models.Attendance:
		return body{
			"class_member":   ref(v.ClassMember),
			"date":           v.Date,
			"is_present":     v.IsPresent,
			"absence_reason": optional(string(v.AbsenceReason)),
			"marked_by":      ref(v.MarkedBy),
		}, nil
	case *models.Offering:
		return body{
			"action_unit_class": ref(v.ActionUnitClass),
			"amount":            amount(v.Amount),
			"currency":          v.Currency,
			"date":              v.Date,
			"recorded_by":       ref(v.RecordedBy),
			"notes":             v.Notes,
		}, nil
	case *models.BookOrder:
		b := body{
			"action_unit_class": ref(v.ActionUnitClass),
			"quarter":           v.Quarter,
			"year":              v.Year,
			"submitted_by":      ref(v.SubmittedBy),
		}
		// Leaving draft goes through the submit endpoint.
		if v.Status == models.OrderDraft || v.Status == "" {
			b["status"] = models.OrderDraft
		}
		return b, nil
	case *models.ClassMember:
		return body{
			"action_unit_class": ref(v.ActionUnitClass),
			"user":              ref(v.User),
			"location":          v.Location,
			"is_active":         v.IsActive,
		}, nil
	case *models.ActionUnitClass:
		return body{
			"name":         v.Name,
			"church":       ref(v.Church),
			"meeting_time": v.MeetingTime,
			"location":     v.Location,
			"description":  v.Description,
			"is_active":    v.IsActive,
		}, nil
	case *models.User:
		return body{
			"name":       v.Name,
			"email":      v.Email,
			"phone":      v.Phone,
			"role":       v.Role,
			"church":     ref(v.Church),
			"is_officer": v.IsOfficer,
		}, nil
	case *models.Church:
		return body{
			"name":         v.Name,
			"email":        v.Email,
			"phone":        v.Phone,
			"address":      v.Address,
			"district":     v.District,
			"country":      v.Country,
			"denomination": v.Denomination,
		}, nil
	case *models.ClassTeacher:
		return body{
			"action_unit_class": ref(v.ActionUnitClass),
			"teacher":           ref(v.Teacher),
			"assigned_date":     v.AssignedDate,
			"is_active":         v.IsActive,
		}, nil
	case *models.QuarterlyBook:
		return body{
			"church":    ref(v.Church),
			"title":     v.Title,
			"price":     amount(v.Price),
			"currency":  v.Currency,
			"is_active": v.IsActive,
		}, nil
	case *models.OrderItem:
		return body{
			"book_order":     ref(v.BookOrder),
			"quarterly_book": ref(v.QuarterlyBook),
			"quantity":       v.Quantity,
			"unit_price":     amount(v.UnitPrice),
		}, nil
	}
	return nil, fmt.Errorf("%s records are not synced", e.EntityType())
}

package models

import (
	"encoding/json"
	"fmt"
)

// New returns a zero value of the concrete record for t.
func New(t EntityType) (Entity, error) {
	switch t {
	case TypeChurch:
		return &Church{}, nil
	case TypeUser:
		return &User{}, nil
	case TypeSubscription:
		return &Subscription{}, nil
	case TypeActionUnitClass:
		return &ActionUnitClass{}, nil
	case TypeClassTeacher:
		return &ClassTeacher{}, nil
	case TypeClassMember:
		return &ClassMember{}, nil
	case TypeAttendance:
		return &Attendance{}, nil
	case TypeOffering:
		return &Offering{}, nil
	case TypeQuarterlyBook:
		return &QuarterlyBook{}, nil
	case TypeBookOrder:
		return &BookOrder{}, nil
	case TypeOrderItem:
		return &OrderItem{}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}

// DecodeEntity unmarshals a single record of type t.
func DecodeEntity(t EntityType, data []byte) (Entity, error) {
	e, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return e, nil
}

// DecodeCollection unmarshals a JSON array of records of type t.
func DecodeCollection(t EntityType, data []byte) ([]Entity, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode %s collection: %w", t, err)
	}
	out := make([]Entity, 0, len(raws))
	for _, raw := range raws {
		e, err := DecodeEntity(t, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

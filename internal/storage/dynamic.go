package storage

import (
	"context"
	"fmt"

	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/models"
)

// UpsertEntity is Upsert for a record whose type is only known at run time,
// such as one decoded from a host app request.
func UpsertEntity(ctx context.Context, s *Store, e models.Entity) (models.Entity, string, error) {
	switch v := e.(type) {
	case *models.Church:
		return upsertAny(ctx, s, v)
	case *models.User:
		return upsertAny(ctx, s, v)
	case *models.ActionUnitClass:
		return upsertAny(ctx, s, v)
	case *models.ClassTeacher:
		return upsertAny(ctx, s, v)
	case *models.ClassMember:
		return upsertAny(ctx, s, v)
	case *models.Attendance:
		return upsertAny(ctx, s, v)
	case *models.Offering:
		return upsertAny(ctx, s, v)
	case *models.QuarterlyBook:
		return upsertAny(ctx, s, v)
	case *models.BookOrder:
		return upsertAny(ctx, s, v)
	case *models.OrderItem:
		return upsertAny(ctx, s, v)
	}
	return nil, "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s records cannot be written locally", e.EntityType()))
}

func upsertAny[T any, P Record[T]](ctx context.Context, s *Store, item P) (models.Entity, string, error) {
	out, entryID, err := Upsert[T, P](ctx, s, item)
	if err != nil {
		return nil, "", err
	}
	return out, entryID, nil
}

// DeleteEntity is Delete for an entity type known only at run time.
func DeleteEntity(ctx context.Context, s *Store, t models.EntityType, id string) (string, error) {
	switch t {
	case models.TypeChurch:
		return Delete[models.Church](ctx, s, id)
	case models.TypeUser:
		return Delete[models.User](ctx, s, id)
	case models.TypeActionUnitClass:
		return Delete[models.ActionUnitClass](ctx, s, id)
	case models.TypeClassTeacher:
		return Delete[models.ClassTeacher](ctx, s, id)
	case models.TypeClassMember:
		return Delete[models.ClassMember](ctx, s, id)
	case models.TypeAttendance:
		return Delete[models.Attendance](ctx, s, id)
	case models.TypeOffering:
		return Delete[models.Offering](ctx, s, id)
	case models.TypeQuarterlyBook:
		return Delete[models.QuarterlyBook](ctx, s, id)
	case models.TypeBookOrder:
		return Delete[models.BookOrder](ctx, s, id)
	case models.TypeOrderItem:
		return Delete[models.OrderItem](ctx, s, id)
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s records cannot be deleted locally", t))
}

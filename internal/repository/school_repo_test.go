package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

func TestSchoolRepositoryGuardianshipAndClasses(t *testing.T) {
	db := newTestDB(t)
	repo := NewSchoolRepository(db)
	ctx := context.Background()

	teacherID := uint(50)
	class := models.Class{Name: "1A", TeacherID: &teacherID}
	require.NoError(t, db.Create(&class).Error)

	own := models.Child{Name: "Budi", ClassID: class.ID, Status: models.ChildStatusActive}
	other := models.Child{Name: "Ani", ClassID: class.ID, Status: models.ChildStatusActive}
	require.NoError(t, db.Create(&own).Error)
	require.NoError(t, db.Create(&other).Error)
	require.NoError(t, db.Create(&models.Guardianship{GuardianID: 7, ChildID: own.ID, Relationship: "mother", IsPrimary: true}).Error)

	children, err := repo.ChildrenForGuardian(ctx, 7)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, own.ID, children[0].ID)

	ok, err := repo.IsGuardian(ctx, 7, other.ID)
	require.NoError(t, err)
	require.False(t, ok)

	classIDs, err := repo.ClassIDsForTeacher(ctx, teacherID)
	require.NoError(t, err)
	require.Equal(t, []uint{class.ID}, classIDs)

	found, err := repo.FindChildren(ctx, []uint{other.ID, own.ID})
	require.NoError(t, err)
	require.Len(t, found, 2)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jbweber/kiln/api/v1alpha1"
)

type userRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Username  string    `gorm:"uniqueIndex;not null"`
	Role      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

func (r userRow) toUser() v1alpha1.User {
	return v1alpha1.User{
		ID:        r.ID,
		Username:  r.Username,
		Role:      v1alpha1.Role(r.Role),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

type vmRow struct {
	ID        string  `gorm:"primaryKey"`
	Name      string  `gorm:"uniqueIndex;not null"`
	OwnerID   int64   `gorm:"index;not null"`
	Owner     userRow `gorm:"foreignKey:OwnerID;constraint:OnDelete:RESTRICT"`
	RAMMB     int     `gorm:"column:ram_mb;not null"`
	VCPUs     int     `gorm:"column:vcpus;not null"`
	DiskGB    int     `gorm:"column:disk_gb;not null"`
	OSType    string  `gorm:"not null"`
	CreatedAt time.Time
}

func (vmRow) TableName() string { return "vms" }

func (r vmRow) toRecord() v1alpha1.VMRecord {
	return v1alpha1.VMRecord{
		ID:        r.ID,
		Name:      r.Name,
		OwnerID:   r.OwnerID,
		OwnerName: r.Owner.Username,
		RAMMB:     r.RAMMB,
		VCPUs:     r.VCPUs,
		DiskGB:    r.DiskGB,
		OSType:    v1alpha1.OSType(r.OSType),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// PostgresStore implements Store on PostgreSQL through GORM.
type PostgresStore struct {
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return newGormStore(db)
}

func newGormStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&userRow{}, &vmRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// CreateUser implements Store.CreateUser using GORM.
func (s *PostgresStore) CreateUser(ctx context.Context, username string, role v1alpha1.Role) (*v1alpha1.User, error) {
	row := userRow{
		Username:  username,
		Role:      string(role),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = errors.Join(v1alpha1.ErrUserAlreadyExists, err)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	user := row.toUser()
	return &user, nil
}

// GetUser implements Store.GetUser using GORM.
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*v1alpha1.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, userQueryError(err)
	}
	user := row.toUser()
	return &user, nil
}

// GetUserByName implements Store.GetUserByName using GORM.
func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (*v1alpha1.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&row).Error; err != nil {
		return nil, userQueryError(err)
	}
	user := row.toUser()
	return &user, nil
}

func userQueryError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = errors.Join(v1alpha1.ErrUserNotFound, err)
	}
	return fmt.Errorf("query user: %w", err)
}

// ListUsers implements Store.ListUsers using GORM.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]v1alpha1.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("username").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	users := make([]v1alpha1.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toUser())
	}
	return users, nil
}

// CreateVM implements Store.CreateVM using GORM.
func (s *PostgresStore) CreateVM(ctx context.Context, rec *v1alpha1.VMRecord) error {
	prepareRecord(rec)

	var ownerName string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner userRow
		if err := tx.First(&owner, rec.OwnerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Join(v1alpha1.ErrUserNotFound, err)
			}
			return err
		}

		row := vmRow{
			ID:        rec.ID,
			Name:      rec.Name,
			OwnerID:   rec.OwnerID,
			RAMMB:     rec.RAMMB,
			VCPUs:     rec.VCPUs,
			DiskGB:    rec.DiskGB,
			OSType:    string(rec.OSType),
			CreatedAt: rec.CreatedAt,
		}
		if err := tx.Omit("Owner").Create(&row).Error; err != nil {
			switch {
			case errors.Is(err, gorm.ErrDuplicatedKey):
				return errors.Join(v1alpha1.ErrDuplicateName, err)
			case errors.Is(err, gorm.ErrForeignKeyViolated):
				return errors.Join(v1alpha1.ErrUserNotFound, err)
			}
			return err
		}
		ownerName = owner.Username
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert vm: %w", err)
	}

	rec.OwnerName = ownerName
	return nil
}

// FindVM implements Store.FindVM using GORM.
func (s *PostgresStore) FindVM(ctx context.Context, name string) (*v1alpha1.VMRecord, bool, error) {
	var row vmRow
	err := s.db.WithContext(ctx).Joins("Owner").Where("vms.name = ?", name).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query vm: %w", err)
	}
	rec := row.toRecord()
	return &rec, true, nil
}

// ListVMs implements Store.ListVMs using GORM.
func (s *PostgresStore) ListVMs(ctx context.Context) ([]v1alpha1.VMRecord, error) {
	return s.findVMs(s.db.WithContext(ctx))
}

// ListVMsForOwner implements Store.ListVMsForOwner using GORM.
func (s *PostgresStore) ListVMsForOwner(ctx context.Context, ownerID int64) ([]v1alpha1.VMRecord, error) {
	return s.findVMs(s.db.WithContext(ctx).Where("vms.owner_id = ?", ownerID))
}

func (s *PostgresStore) findVMs(q *gorm.DB) ([]v1alpha1.VMRecord, error) {
	var rows []vmRow
	if err := q.Joins("Owner").Order("vms.name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query vms: %w", err)
	}
	recs := make([]v1alpha1.VMRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, r.toRecord())
	}
	return recs, nil
}

// DeleteVM implements Store.DeleteVM using GORM.
func (s *PostgresStore) DeleteVM(ctx context.Context, name string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", name).Delete(&vmRow{}).Error; err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}
	return nil
}

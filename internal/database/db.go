package database

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the process-wide database handle. Services receive the handle via
// constructor injection; this variable exists for cmd wiring only.
var DB *gorm.DB

// Connect establishes a connection to the PostgreSQL database
func Connect(dsn string, logLevel logger.LogLevel) error {
	var err error

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Database connection established")
	return nil
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&FlakyTestPattern{},
		&TestRunRecord{},
		&QuarantinePolicy{},
		&QuarantineHistory{},
		&ImpactRecord{},
		&ProjectAutomation{},
		&NotifySettings{},
		&IngestKey{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// InitializeDefaults creates default records if they don't exist
func InitializeDefaults(db *gorm.DB) error {
	log.Println("Initializing default database records...")

	var count int64
	db.Model(&NotifySettings{}).Count(&count)
	if count == 0 {
		defaults := &NotifySettings{
			Enabled: false, // Disabled until a bot token and channel are configured
		}
		if err := db.Create(defaults).Error; err != nil {
			return fmt.Errorf("failed to create default notify settings: %w", err)
		}
		log.Println("Created default notify settings (disabled)")
	}

	return nil
}

// GetNotifySettings retrieves the Slack notification settings row
func GetNotifySettings(db *gorm.DB) (*NotifySettings, error) {
	var settings NotifySettings
	if err := db.First(&settings).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateNotifySettings updates the Slack notification settings row
func UpdateNotifySettings(db *gorm.DB, settings *NotifySettings) error {
	return db.Model(&NotifySettings{}).Where("id = ?", settings.ID).Updates(map[string]interface{}{
		"bot_token": settings.BotToken,
		"channel":   settings.Channel,
		"enabled":   settings.Enabled,
	}).Error
}

// GetActiveIngestKeys returns the enabled ingest API keys
func GetActiveIngestKeys(db *gorm.DB) ([]string, error) {
	var keys []IngestKey
	if err := db.Where("enabled = ?", true).Find(&keys).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Key)
	}
	return out, nil
}

// ProjectIDs returns the distinct project IDs that have tracked patterns
func ProjectIDs(db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.Model(&FlakyTestPattern{}).Distinct().Pluck("project_id", &ids).Error
	return ids, err
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection
func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

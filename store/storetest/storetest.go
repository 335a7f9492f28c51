// Package storetest opens throwaway in-memory databases and seeds fixtures
// for tests of packages built on the store.
package storetest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"outreach/config"
	"outreach/models"
)

// Open returns a migrated in-memory sqlite database private to the test.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "_" + uuid.NewString()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, config.Migrate(db))
	return db
}

// Fixture is a campaign with steps, one sending account and prospects.
type Fixture struct {
	Campaign  models.Campaign
	Steps     []models.SequenceStep
	Account   models.EmailAccount
	Prospects []models.Prospect
}

// StepSpec describes a step to seed.
type StepSpec struct {
	Number        int
	Type          models.StepType
	DelayDays     int
	DelayHours    int
	ConditionType string
}

// Email is a shorthand for an EMAIL step.
func Email(number, delayDays int) StepSpec {
	return StepSpec{Number: number, Type: models.StepEmail, DelayDays: delayDays}
}

// Seed creates an ACTIVE campaign open around the clock, an account with the
// given daily limit and n prospects assigned to it.
func Seed(t *testing.T, db *gorm.DB, dailyLimit, n int, steps ...StepSpec) *Fixture {
	t.Helper()

	f := &Fixture{}
	f.Account = models.EmailAccount{
		UserID:     1,
		FromEmail:  "sales@acme.test",
		FromName:   "Acme Sales",
		SMTPHost:   "smtp.acme.test",
		SMTPPort:   587,
		IMAPHost:   "imap.acme.test",
		DailyLimit: dailyLimit,
	}
	require.NoError(t, db.Create(&f.Account).Error)

	f.Campaign = models.Campaign{
		UserID: 7,
		Name:   "Q3 outreach",
		Status: models.CampaignActive,
		Window: models.SendingWindow{StartHour: 0, EndHour: 24, Timezone: "UTC"},
	}
	require.NoError(t, db.Create(&f.Campaign).Error)
	require.NoError(t, db.Create(&models.CampaignAccount{CampaignID: f.Campaign.ID, EmailAccountID: f.Account.ID}).Error)

	for _, s := range steps {
		step := models.SequenceStep{
			CampaignID:    f.Campaign.ID,
			StepNumber:    s.Number,
			Type:          s.Type,
			DelayDays:     s.DelayDays,
			DelayHours:    s.DelayHours,
			ConditionType: s.ConditionType,
			Subject:       fmt.Sprintf("{Hi|Hello} {{first_name}}, step %d", s.Number),
			Body:          fmt.Sprintf(`<p>Step %d for {{company|your team}}. <a href="https://acme.test/demo">Demo</a></p>`, s.Number),
		}
		require.NoError(t, db.Create(&step).Error)
		f.Steps = append(f.Steps, step)
	}

	for i := 0; i < n; i++ {
		p := models.Prospect{
			CampaignID:     f.Campaign.ID,
			EmailAccountID: f.Account.ID,
			Email:          fmt.Sprintf("lead%d@example.com", i+1),
			FirstName:      fmt.Sprintf("Lead%d", i+1),
			Company:        "Example Inc",
		}
		require.NoError(t, db.Create(&p).Error)
		f.Prospects = append(f.Prospects, p)
	}
	return f
}

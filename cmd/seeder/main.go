package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/unclebandit/broadcast-dispatch/internal/config"
	"github.com/unclebandit/broadcast-dispatch/internal/db"
	"github.com/unclebandit/broadcast-dispatch/internal/logger"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	demo := flag.Int("demo", 0, "seed a paused demo broadcast with this many recipients")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		l := logger.New(logger.Config{})
		l.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Console: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	log.Info().Msg("schema applied")

	if *demo <= 0 {
		return
	}
	b, recipients := demoBroadcast(cfg, *demo)
	repo := &repository.BroadcastRepository{DB: conn}
	if err := repo.Create(ctx, b, recipients); err != nil {
		log.Fatal().Err(err).Msg("seed demo broadcast")
	}
	log.Info().Int64("broadcast_id", b.ID).Int("recipients", len(recipients)).
		Msg("demo broadcast seeded, resume it to start sending")
}

// demoBroadcast is a manually paused broadcast so nothing is sent until an
// operator resumes it.
func demoBroadcast(cfg *config.Config, n int) (*model.Broadcast, []model.Recipient) {
	accountID, phoneNumberID := "demo", "demo"
	if len(cfg.Accounts) > 0 {
		accountID = cfg.Accounts[0].ID
		if len(cfg.Accounts[0].PhoneNumbers) > 0 {
			phoneNumberID = cfg.Accounts[0].PhoneNumbers[0].ID
		}
	}
	b := &model.Broadcast{
		Name:             "Demo broadcast",
		AccountID:        accountID,
		PhoneNumberID:    phoneNumberID,
		TemplateName:     "hello_world",
		TemplateLanguage: "en_US",
		TemplateCategory: "UTILITY",
		Template: &model.Template{
			Name: "hello_world", Language: "en_US", Category: "UTILITY",
			Components: []model.TemplateComponent{{Type: model.ComponentBody, Text: "Hello {{1}}"}},
		},
		Status:      model.StatusPaused,
		PauseReason: model.PauseManual,
		Mode:        model.ModeBulk,
		VariableMappings: []model.VariableMapping{
			{PlaceholderIndex: 1, ComponentType: model.ComponentBody, Source: model.SourceCSVColumn, Value: "name"},
		},
		CreatedAt: time.Now().UTC(),
	}
	recipients := make([]model.Recipient, n)
	for i := range recipients {
		recipients[i] = model.Recipient{
			Name:   fmt.Sprintf("Demo %d", i+1),
			Phone:  fmt.Sprintf("+1555%07d", i+1),
			Status: model.RecipientPending,
		}
	}
	return b, recipients
}

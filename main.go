package main

import (
	"log"
	"os"

	"github.com/rs/zerolog"

	"github.com/echosec/echosec/config"
	"github.com/echosec/echosec/db"
	"github.com/echosec/echosec/keystore"
	"github.com/echosec/echosec/realtime"
	"github.com/echosec/echosec/server"
	"github.com/echosec/echosec/services"
)

func main() {
	conf, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if conf.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	gormDB := db.GetDB(conf)
	conversationRepo := db.NewConversationRepo(gormDB)

	var bus realtime.Bus
	if conf.RedisURL != "" {
		bus, err = realtime.NewRedisBus(conf.RedisURL, logger)
		if err != nil {
			log.Fatalf("unable to connect realtime bus: %v", err)
		}
	} else {
		logger.Warn().Msg("no redis url configured, realtime events stay in-process")
		bus = realtime.NewLocalBus()
	}
	defer bus.Close()

	messageRepo := db.NewMessageRepo(gormDB, bus)

	keyCache, err := keystore.OpenSQLite(conf.KeyCachePath)
	if err != nil {
		log.Fatalf("unable to open key cache: %v", err)
	}
	defer keyCache.Close()

	keyService := services.NewKeyService(conversationRepo, keyCache, logger)
	chatService := services.NewChatService(keyService, messageRepo, conversationRepo, bus, logger)
	conversationService := services.NewConversationService(conversationRepo, keyService, chatService, logger)

	s := &server.Server{
		Config:                 conf,
		ConversationRepository: conversationRepo,
		ConversationService:    conversationService,
		ChatService:            chatService,
		Notifier:               bus,
		Logger:                 logger,
	}
	if err := s.Start(); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/spf13/viper"

	"github.com/ariavoice/aria/pkg/configutil"
)

type transportConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

type livekitSettings struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	RoomName  string `mapstructure:"room_name"`
}

// join_token mints a LiveKit access token so a test client can join the room
// the agent is serving.
func main() {
	configPath := flag.String("config", "configs/agent.yaml", "")
	identity := flag.String("identity", "test-user", "participant identity for the token")
	room := flag.String("room", "", "room name, defaults to the configured room")
	ttl := flag.Duration("ttl", time.Hour, "token validity")
	flag.Parse()

	cfg, err := loadTransportConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var settings livekitSettings
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if settings.APIKey == "" || settings.APISecret == "" {
		fmt.Println("api_key and api_secret must be set in transports.settings")
		os.Exit(1)
	}
	roomName := *room
	if roomName == "" {
		roomName = settings.RoomName
	}
	if roomName == "" {
		fmt.Println("room name is empty")
		os.Exit(1)
	}

	canPublish := true
	canSubscribe := true
	at := auth.NewAccessToken(settings.APIKey, settings.APISecret).
		SetIdentity(*identity).
		SetValidFor(*ttl).
		SetVideoGrant(&auth.VideoGrant{
			RoomJoin:     true,
			Room:         roomName,
			CanPublish:   &canPublish,
			CanSubscribe: &canSubscribe,
		})
	token, err := at.ToJWT()
	if err != nil {
		fmt.Println("token error:", err)
		os.Exit(1)
	}
	fmt.Println("url:", settings.URL)
	fmt.Println("room:", roomName)
	fmt.Println("token:", token)
}

func loadTransportConfig(path string) (transportConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return transportConfig{}, err
	}
	var cfg transportConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return transportConfig{}, err
	}
	for k, val := range cfg.Transports.Settings {
		if s, ok := val.(string); ok {
			cfg.Transports.Settings[k] = os.ExpandEnv(s)
		}
	}
	return cfg, nil
}

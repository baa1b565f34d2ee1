package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultICEServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	AuthPassword   string
	ICEServersJSON string

	STTProvider   string
	STTKey        string
	STTBaseURL    string
	STTModel      string
	STTLanguage   string
	AssemblyAIKey string

	LLMKey     string
	LLMBaseURL string
	LLMModel   string
	LLMTimeout time.Duration

	TTSProvider   string
	TTSKey        string
	TTSBaseURL    string
	TTSModel      string
	TTSVoice      string
	TTSSpeed      float64
	DeepgramKey   string
	DeepgramModel string

	RPCTimeout           time.Duration
	SpeakDispatchResults bool
	GreetingEnabled      bool
	FillerReply          string
	SystemPrompt         string

	VADThreshold  float64
	VADMinSilence time.Duration
	VADPreRoll    time.Duration

	LiveKitURL    string
	LiveKitKey    string
	LiveKitSecret string
	LiveKitRoom   string
	AgentIdentity string
	TaskRecipient string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	LogLevel       string
	LogDevelopment bool

	// Warnings lists problems found while loading. None of them are fatal;
	// the caller logs them once a logger exists.
	Warnings []string
}

// Load reads an optional .env file, then environment variables with defaults.
func Load() Config {
	var warn []string
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		warn = append(warn, fmt.Sprintf("error loading .env file: %v", err))
	}

	cfg := Config{
		HTTPAddress:    getEnv("HTTP_ADDRESS", ":8080"),
		AuthPassword:   os.Getenv("AUTH_PASSWORD"),
		ICEServersJSON: getEnv("ICE_SERVERS_JSON", defaultICEServers),

		STTProvider:   strings.ToLower(getEnv("STT_PROVIDER", "whisper")),
		STTKey:        os.Getenv("STT_API_KEY"),
		STTBaseURL:    getEnv("STT_BASE_URL", "https://api.groq.com/openai/v1"),
		STTModel:      getEnv("STT_MODEL", "whisper-large-v3-turbo"),
		STTLanguage:   getEnv("STT_LANGUAGE", "en"),
		AssemblyAIKey: os.Getenv("ASSEMBLYAI_API_KEY"),

		LLMKey:     os.Getenv("LLM_API_KEY"),
		LLMBaseURL: os.Getenv("LLM_BASE_URL"),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),

		TTSProvider:   strings.ToLower(getEnv("TTS_PROVIDER", "openai")),
		TTSKey:        os.Getenv("TTS_API_KEY"),
		TTSBaseURL:    os.Getenv("TTS_BASE_URL"),
		TTSModel:      getEnv("TTS_MODEL", "tts-1"),
		TTSVoice:      getEnv("TTS_VOICE", "fable"),
		DeepgramKey:   os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel: getEnv("DEEPGRAM_MODEL", "aura-2-thalia-en"),

		FillerReply:  os.Getenv("FILLER_REPLY"),
		SystemPrompt: os.Getenv("SYSTEM_PROMPT"),

		LiveKitURL:    os.Getenv("LIVEKIT_URL"),
		LiveKitKey:    os.Getenv("LIVEKIT_API_KEY"),
		LiveKitSecret: os.Getenv("LIVEKIT_API_SECRET"),
		LiveKitRoom:   os.Getenv("LIVEKIT_ROOM"),
		AgentIdentity: getEnv("AGENT_IDENTITY", "voice-agent"),
		TaskRecipient: os.Getenv("TASK_RECIPIENT"),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "transcripts"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	cfg.LLMTimeout = getDuration("LLM_TIMEOUT", 20*time.Second, &warn)
	cfg.TTSSpeed = getFloat("TTS_SPEED", 1.05, &warn)
	cfg.RPCTimeout = getDuration("RPC_RESPONSE_TIMEOUT", 5*time.Second, &warn)
	cfg.SpeakDispatchResults = getBool("SPEAK_DISPATCH_RESULTS", false, &warn)
	cfg.GreetingEnabled = getBool("GREETING_ENABLED", true, &warn)
	cfg.VADThreshold = getFloat("VAD_THRESHOLD", 300, &warn)
	cfg.VADMinSilence = getDuration("VAD_MIN_SILENCE", 700*time.Millisecond, &warn)
	cfg.VADPreRoll = getOptionalDuration("VAD_PRE_ROLL", 220*time.Millisecond, &warn)
	cfg.LogDevelopment = getBool("LOG_DEVELOPMENT", false, &warn)

	switch cfg.STTProvider {
	case "whisper":
		if cfg.STTKey == "" {
			warn = append(warn, "STT_API_KEY not set - transcription will not work")
		}
	case "assemblyai":
		if cfg.AssemblyAIKey == "" {
			warn = append(warn, "ASSEMBLYAI_API_KEY not set - transcription will not work")
		}
	default:
		warn = append(warn, fmt.Sprintf("unknown STT_PROVIDER %q, using whisper", cfg.STTProvider))
		cfg.STTProvider = "whisper"
	}
	if cfg.LLMKey == "" {
		warn = append(warn, "LLM_API_KEY not set - replies will not work")
	}
	switch cfg.TTSProvider {
	case "openai":
		if cfg.TTSKey == "" {
			warn = append(warn, "TTS_API_KEY not set - TTS will not work")
		}
	case "deepgram":
		if cfg.DeepgramKey == "" {
			warn = append(warn, "DEEPGRAM_API_KEY not set - TTS will not work")
		}
	default:
		warn = append(warn, fmt.Sprintf("unknown TTS_PROVIDER %q, using openai", cfg.TTSProvider))
		cfg.TTSProvider = "openai"
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "" {
		warn = append(warn, "SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - transcripts will not be archived")
	}

	cfg.Warnings = warn
	return cfg
}

// LiveKitConfigured reports whether room credentials are present.
func (c Config) LiveKitConfigured() bool {
	return c.LiveKitURL != "" && c.LiveKitKey != "" && c.LiveKitSecret != ""
}

// ArchiveConfigured reports whether transcripts can be uploaded.
func (c Config) ArchiveConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceRoleKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, def time.Duration, warn *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*warn = append(*warn, fmt.Sprintf("%s=%q is not a positive duration, using %s", key, v, def))
		return def
	}
	return d
}

// getOptionalDuration also accepts zero, which turns the setting off.
func getOptionalDuration(key string, def time.Duration, warn *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		*warn = append(*warn, fmt.Sprintf("%s=%q is not a valid duration, using %s", key, v, def))
		return def
	}
	return d
}

func getFloat(key string, def float64, warn *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*warn = append(*warn, fmt.Sprintf("%s=%q is not a number, using %v", key, v, def))
		return def
	}
	return f
}

func getBool(key string, def bool, warn *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*warn = append(*warn, fmt.Sprintf("%s=%q is not a boolean, using %v", key, v, def))
		return def
	}
	return b
}

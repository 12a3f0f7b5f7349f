package apierr

import (
	"github.com/rs/zerolog"

	"github.com/soyeahso/unisync/internal/logging"
)

var userMessages = map[string]map[Kind]string{
	"en": {
		KindNetwork:        "Connection error. Check your internet connection and try again.",
		KindAuthentication: "Authentication failed. Please sign in again.",
		KindAuthorization:  "You do not have permission to perform this action.",
		KindNotFound:       "Resource not found.",
		KindValidation:     "Invalid data provided.",
		KindRateLimit:      "Too many attempts. Wait a few minutes and try again.",
		KindServer:         "Internal server error. Try again in a moment.",
		KindUnknown:        "Unexpected error. Please try again.",
	},
	"pt-BR": {
		KindNetwork:        "Erro de conexão. Verifique sua internet e tente novamente.",
		KindAuthentication: "Erro de autenticação. Faça login novamente.",
		KindAuthorization:  "Você não tem permissão para realizar esta ação.",
		KindNotFound:       "Recurso não encontrado.",
		KindValidation:     "Dados inválidos fornecidos.",
		KindRateLimit:      "Muitas tentativas. Aguarde alguns minutos e tente novamente.",
		KindServer:         "Erro interno do servidor. Tente novamente em alguns instantes.",
		KindUnknown:        "Erro inesperado. Tente novamente.",
	},
}

// FormatForUser renders err as an English end-user message.
func FormatForUser(err error) string {
	return FormatForUserIn(err, "en")
}

// FormatForUserIn renders err in the given language ("en" or "pt-BR").
// Unknown languages fall back to English. Validation errors surface the
// detail message when one was parsed from the response.
func FormatForUserIn(err error, lang string) string {
	e := Classify(err)
	if e == nil {
		return ""
	}
	msgs, ok := userMessages[lang]
	if !ok {
		msgs = userMessages["en"]
	}
	if e.Kind == KindValidation {
		if m := messageField(e.Details); m != "" {
			return m
		}
	}
	if m, ok := msgs[e.Kind]; ok {
		return m
	}
	return msgs[KindUnknown]
}

// Log writes err with structured fields. Server errors log at error level,
// everything else at warn.
func Log(log *logging.Logger, err error, context string) {
	e := Classify(err)
	if e == nil || log == nil {
		return
	}
	level := zerolog.WarnLevel
	if e.Kind == KindServer {
		level = zerolog.ErrorLevel
	}
	ev := log.WithLevel(level).
		Str("context", context).
		Str("kind", string(e.Kind)).
		Bool("retryable", e.Retryable)
	if e.Status != 0 {
		ev = ev.Int("status", e.Status)
	}
	if e.Details != nil {
		ev = ev.Interface("details", e.Details)
	}
	ev.Msg("API error: " + e.Message)
}

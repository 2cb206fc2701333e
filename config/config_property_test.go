package config

import (
	"os"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestConfigureGetRoundTripProperty verifies the round-trip invariant
// spec.md §8 places on configuration: whatever EndpointConfig Configure is
// given for Chat, Get returns back unchanged, and the returned value is a
// copy independent of the one passed in.
func TestConfigureGetRoundTripProperty(t *testing.T) {
	t.Cleanup(Reset)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Get reflects the last Configure call", prop.ForAll(
		func(ep EndpointConfig) bool {
			Configure(Update{ClearChat: true})
			Configure(Update{Chat: &ep})
			got := Get()
			if got.Chat == nil {
				return false
			}
			return *got.Chat == ep
		},
		genEndpointConfig(),
	))

	properties.Property("Get returns a copy, not an alias", prop.ForAll(
		func(ep EndpointConfig) bool {
			Configure(Update{Chat: &ep})
			got := Get()
			if got.Chat == nil {
				return false
			}
			got.Chat.Model = "mutated-by-test"
			again := Get()
			return again.Chat != nil && again.Chat.Model == ep.Model
		},
		genEndpointConfig(),
	))

	properties.Property("ClearChat always empties Chat", prop.ForAll(
		func(ep EndpointConfig) bool {
			Configure(Update{Chat: &ep})
			Configure(Update{ClearChat: true})
			return Get().Chat == nil
		},
		genEndpointConfig(),
	))

	properties.TestingRun(t)
}

// TestConfigureMergeProperty verifies the partial-update contract spec.md
// §4.10 places on configuration: endpoints absent from an update keep their
// prior values, and an endpoint update that omits the api key inherits the
// stored one rather than dropping it.
func TestConfigureMergeProperty(t *testing.T) {
	t.Cleanup(Reset)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("updating one service leaves the others unchanged", prop.ForAll(
		func(chat, speech, image EndpointConfig) bool {
			Reset()
			Configure(Update{Chat: &chat, Speech: &speech})
			Configure(Update{Image: &image})

			got := Get()
			if got.Chat == nil || got.Media.Speech == nil || got.Media.Image == nil {
				return false
			}
			return *got.Chat == chat && *got.Media.Speech == speech && *got.Media.Image == image
		},
		genEndpointConfigWithKey(),
		genEndpointConfigWithKey(),
		genEndpointConfigWithKey(),
	))

	properties.Property("an update that omits the api key inherits the stored one", prop.ForAll(
		func(ep EndpointConfig, key, keyEnv, newModel string) bool {
			Reset()
			ep.APIKey = key
			ep.APIKeyEnv = keyEnv
			Configure(Update{Chat: &ep})

			next := ep
			next.Model = newModel
			next.APIKey = ""
			next.APIKeyEnv = ""
			Configure(Update{Chat: &next})

			got := Get()
			if got.Chat == nil {
				return false
			}
			return got.Chat.Model == newModel && got.Chat.APIKey == key && got.Chat.APIKeyEnv == keyEnv
		},
		genEndpointConfig(),
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
	))

	properties.Property("a supplied api key replaces the stored one", prop.ForAll(
		func(ep EndpointConfig, oldKey, newKey string) bool {
			Reset()
			ep.APIKey = oldKey
			Configure(Update{Chat: &ep})

			next := ep
			next.APIKey = newKey
			Configure(Update{Chat: &next})

			got := Get()
			return got.Chat != nil && got.Chat.APIKey == newKey
		},
		genEndpointConfig(),
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
	))

	properties.TestingRun(t)
}

// TestResetReloadsFromEnvironmentProperty verifies that Reset discards
// whatever Configure set and reloads strictly from the process environment,
// matching config.py's reset_config.
func TestResetReloadsFromEnvironmentProperty(t *testing.T) {
	t.Cleanup(func() {
		os.Unsetenv("OKCVM_CHAT_MODEL")
		os.Unsetenv("OKCVM_CHAT_BASE_URL")
		Reset()
	})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("Reset ignores a prior Configure call", prop.ForAll(
		func(ep EndpointConfig, model, baseURL string) bool {
			os.Setenv("OKCVM_CHAT_MODEL", model)
			os.Setenv("OKCVM_CHAT_BASE_URL", baseURL)
			Configure(Update{Chat: &ep})

			Reset()
			got := Get()
			if got.Chat == nil {
				return false
			}
			return got.Chat.Model == model && got.Chat.BaseURL == baseURL
		},
		genEndpointConfig(),
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
	))

	properties.TestingRun(t)
}

func genEndpointConfig() gopter.Gen {
	return gopter.CombineGens(
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
		genAlphaStringWithMax(20),
		gen.Bool(),
	).Map(func(vals []any) EndpointConfig {
		return EndpointConfig{
			Model:             vals[0].(string),
			BaseURL:           vals[1].(string),
			APIKey:            vals[2].(string),
			APIKeyEnv:         "",
			SupportsStreaming: vals[3].(bool),
			Provider:          "",
		}
	})
}

// genEndpointConfigWithKey always carries a non-empty api key, so merge
// properties can distinguish "kept" from "inherited" values.
func genEndpointConfigWithKey() gopter.Gen {
	return gopter.CombineGens(
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
		gen.Bool(),
	).Map(func(vals []any) EndpointConfig {
		return EndpointConfig{
			Model:             vals[0].(string),
			BaseURL:           vals[1].(string),
			APIKey:            vals[2].(string),
			SupportsStreaming: vals[3].(bool),
		}
	})
}

func genNonEmptyAlphaString() gopter.Gen {
	return gen.IntRange(1, 20).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}

func genAlphaStringWithMax(maxLen int) gopter.Gen {
	return gen.IntRange(0, maxLen).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}

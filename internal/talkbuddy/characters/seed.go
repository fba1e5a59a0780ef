package characters

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

//go:embed seed/characters.yaml
var defaultSeed []byte

//go:embed seed/schema.json
var seedSchema string

// seedNamespace derives stable ids for seed entries that do not pin one, so
// the same persona gets the same id on every deployment.
var seedNamespace = uuid.MustParse("6f1c3a52-8d4e-4b7a-9c2f-1e5d7b3a9f60")

// SeedCharacter is one entry of a seed file.
type SeedCharacter struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Persona   string         `yaml:"persona"`
	AvatarURL string         `yaml:"avatar_url"`
	Voice     map[string]any `yaml:"voice"`
}

type seedFile struct {
	Characters []SeedCharacter `yaml:"characters"`
}

// Inserter is the subset of the record store seeding writes through.
type Inserter interface {
	InsertCharacterIfAbsent(ctx context.Context, c *store.Character) (bool, error)
}

// LoadSeed reads a seed file from path, or the embedded defaults when path is
// empty. The document is validated against the seed schema before decoding.
func LoadSeed(path string) ([]SeedCharacter, error) {
	data := defaultSeed
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed file: %w", err)
		}
		data = b
	}
	return ParseSeed(data)
}

// ParseSeed validates and decodes a YAML seed document.
func ParseSeed(data []byte) ([]SeedCharacter, error) {
	if err := validateSeed(data); err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	seen := make(map[string]bool, len(f.Characters))
	for _, c := range f.Characters {
		k := strings.ToLower(strings.TrimSpace(c.Name))
		if seen[k] {
			return nil, fmt.Errorf("seed: duplicate character name %q", c.Name)
		}
		seen[k] = true
	}
	return f.Characters, nil
}

// validateSeed checks the YAML document against the embedded JSON schema.
// The schema validator works on JSON values, so the YAML tree is re-encoded
// as JSON first.
func validateSeed(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse seed: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("seed is not representable as JSON: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("failed to decode seed: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("seed.json", strings.NewReader(seedSchema)); err != nil {
		return fmt.Errorf("failed to load seed schema: %w", err)
	}
	schema, err := compiler.Compile("seed.json")
	if err != nil {
		return fmt.Errorf("failed to compile seed schema: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("invalid seed: %w", err)
	}
	return nil
}

// Seed inserts every seed character that is not already present by name.
// Existing rows are left untouched. Returns the number of rows written.
func Seed(ctx context.Context, db Inserter, chars []SeedCharacter) (int, error) {
	inserted := 0
	for _, sc := range chars {
		c, err := sc.record()
		if err != nil {
			return inserted, err
		}
		ok, err := db.InsertCharacterIfAbsent(ctx, c)
		if err != nil {
			return inserted, fmt.Errorf("seed %q: %w", sc.Name, err)
		}
		if ok {
			inserted++
			slog.Info("seeded character", "name", c.Name, "character_id", c.ID)
		}
	}
	return inserted, nil
}

func (sc SeedCharacter) record() (*store.Character, error) {
	name := strings.TrimSpace(sc.Name)
	id := sc.ID
	if id == "" {
		id = uuid.NewSHA1(seedNamespace, []byte(strings.ToLower(name))).String()
	}
	voice := []byte("{}")
	if len(sc.Voice) > 0 {
		b, err := json.Marshal(sc.Voice)
		if err != nil {
			return nil, fmt.Errorf("seed %q: invalid voice settings: %w", name, err)
		}
		voice = b
	}
	return &store.Character{
		ID:            strings.ToLower(id),
		Name:          name,
		PersonaPrompt: strings.TrimSpace(sc.Persona),
		AvatarURL:     sc.AvatarURL,
		VoiceSettings: voice,
	}, nil
}

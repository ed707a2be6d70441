// tokens.go: загрузка статического соответствия токен → директория.
//
// Формат файла:
//
//	tokens:
//	  alice:
//	    dir: alice
//	  ci-builds:
//	    dir: builds/ci
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// tokenEntry: описание одного токена.
type tokenEntry struct {
	Dir string `yaml:"dir" validate:"required,excludes=..,excludesrune=\\"`
}

// tokensFile: корневая структура YAML-файла токенов.
type tokensFile struct {
	Tokens map[string]tokenEntry `yaml:"tokens" validate:"required,min=1,dive,keys,required,printascii,endkeys"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadTokens читает YAML-файл токенов и возвращает карту токен → директория.
func LoadTokens(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла токенов: %w", err)
	}
	return ParseTokens(data)
}

// ParseTokens разбирает и валидирует содержимое файла токенов.
func ParseTokens(data []byte) (map[string]string, error) {
	var tf tokensFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("некорректный YAML: %w", err)
	}

	if err := validate.Struct(tf); err != nil {
		return nil, fmt.Errorf("некорректный файл токенов: %w", err)
	}

	tokens := make(map[string]string, len(tf.Tokens))
	for token, entry := range tf.Tokens {
		dir := filepath.Clean(entry.Dir)
		if filepath.IsAbs(dir) || dir == "." || strings.HasPrefix(dir, "..") {
			return nil, fmt.Errorf("токен %q: директория %q должна быть относительной и непустой", token, entry.Dir)
		}
		tokens[token] = dir
	}
	return tokens, nil
}

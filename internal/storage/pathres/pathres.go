// Пакет pathres: вычисление директории назначения по токену и x-subdir.
//
// Результат всегда лежит внутри uploadRoot/<dir токена>. Любой сегмент ".."
// в x-subdir отвергается, в том числе после percent-декодирования.
package pathres

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// maxDecodeRounds ограничивает число проходов percent-декодирования (%252e → %2e → .).
const maxDecodeRounds = 4

// Ошибки разрешения пути.
var (
	ErrInvalidToken    = errors.New("неизвестный токен")
	ErrInvalidPath     = errors.New("недопустимый путь")
	ErrInvalidFilename = errors.New("недопустимое имя файла")
	ErrDirectoryCreate = errors.New("ошибка создания директории")
)

// Resolver вычисляет и подготавливает директории назначения.
// Потокобезопасен: после создания не изменяется.
type Resolver struct {
	fs     afero.Fs
	root   string
	tokens map[string]string
}

// New создаёт Resolver. root приводится к абсолютному пути,
// tokens: соответствие токен → относительная директория.
func New(fs afero.Fs, root string, tokens map[string]string) *Resolver {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	copied := make(map[string]string, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &Resolver{
		fs:     fs,
		root:   filepath.Clean(root),
		tokens: copied,
	}
}

// Root возвращает корневую директорию загрузок.
func (r *Resolver) Root() string {
	return r.root
}

// HasToken проверяет наличие токена в конфигурации.
func (r *Resolver) HasToken(token string) bool {
	_, ok := r.tokens[token]
	return token != "" && ok
}

// Validate вычисляет директорию назначения без побочных эффектов.
func (r *Resolver) Validate(token, subdir string) (string, error) {
	tokenDir, ok := r.tokens[token]
	if token == "" || !ok {
		return "", ErrInvalidToken
	}

	if err := CheckSubdir(subdir); err != nil {
		return "", err
	}

	base := filepath.Join(r.root, tokenDir)
	dir := filepath.Join(base, filepath.FromSlash(subdir))
	if !within(base, dir) && dir != base {
		return "", fmt.Errorf("%w: %q выходит за пределы директории токена", ErrInvalidPath, subdir)
	}
	return dir, nil
}

// Resolve вычисляет директорию назначения и гарантирует её существование.
// Уже существующая директория ошибкой не является.
func (r *Resolver) Resolve(token, subdir string) (string, error) {
	dir, err := r.Validate(token, subdir)
	if err != nil {
		return "", err
	}
	if err := r.fs.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrDirectoryCreate, dir, err)
	}
	return dir, nil
}

// Contains проверяет, что p лежит строго внутри корня загрузок.
func (r *Resolver) Contains(p string) bool {
	return within(r.root, filepath.Clean(p))
}

// CheckSubdir проверяет x-subdir на попытку выхода за пределы директории.
func CheckSubdir(subdir string) error {
	candidates := []string{subdir}

	s := subdir
	for i := 0; i < maxDecodeRounds && strings.Contains(s, "%"); i++ {
		decoded, err := url.PathUnescape(s)
		if err != nil {
			return fmt.Errorf("%w: некорректное percent-кодирование в %q", ErrInvalidPath, subdir)
		}
		if decoded == s {
			break
		}
		s = decoded
		candidates = append(candidates, s)
	}

	for _, c := range candidates {
		if strings.ContainsRune(c, 0) {
			return fmt.Errorf("%w: NUL в %q", ErrInvalidPath, subdir)
		}
		for _, seg := range strings.FieldsFunc(c, isSeparator) {
			if strings.TrimSpace(seg) == ".." {
				return fmt.Errorf("%w: сегмент '..' в %q", ErrInvalidPath, subdir)
			}
		}
	}
	return nil
}

// SanitizeFilename оставляет от заявленного клиентом имени только последний
// компонент пути. Пустое имя, "." и ".." отвергаются.
func SanitizeFilename(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", ErrInvalidFilename
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "", ErrInvalidFilename
	}
	return base, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\' || r == os.PathSeparator
}

// within возвращает true, если target лежит строго внутри base.
func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

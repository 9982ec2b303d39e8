package utils

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

const (
	// MaxNameLength 姓名字段的最大字符数
	MaxNameLength = 50
	// MaxNicknameLength Discord 昵称上限
	MaxNicknameLength = 32
)

var (
	snowflakePattern    = regexp.MustCompile(`^[0-9]{17,20}$`)
	placeholderPattern  = regexp.MustCompile(`\{[^{}]*\}`)
	knownPlaceholders   = map[string]bool{"{first_name}": true, "{last_name}": true, "{username}": true}
	ErrNameEmpty        = errors.New("must not be empty")
	ErrNameTooLong      = errors.New("must be at most 50 characters")
	ErrNameControlChars = errors.New("must not contain control characters")
	ErrNameEncoding     = errors.New("must be valid UTF-8")
)

// ValidateSnowflake 检查 Discord ID 格式（17-20 位数字）
func ValidateSnowflake(id string) bool {
	return snowflakePattern.MatchString(id)
}

// NormalizeName 去掉首尾空白、转为 NFC 并校验姓名
// 长度按 NFC 之后的字符计，组合字符输入与预组合输入结果一致
func NormalizeName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", ErrNameEncoding
	}
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "", ErrNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrNameTooLong
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrNameControlChars
		}
	}
	return name, nil
}

// ValidateNicknameTemplate 模板中只允许已知占位符
func ValidateNicknameTemplate(tmpl string) bool {
	for _, ph := range placeholderPattern.FindAllString(tmpl, -1) {
		if !knownPlaceholders[ph] {
			return false
		}
	}
	return true
}

// BuildNickname 按模板生成昵称，并截断到 Discord 允许的 32 个字符
func BuildNickname(tmpl, firstName, lastName, username string) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = "{first_name} {last_name}"
	}
	nick := strings.NewReplacer(
		"{first_name}", firstName,
		"{last_name}", lastName,
		"{username}", username,
	).Replace(tmpl)
	nick = strings.Join(strings.Fields(nick), " ")

	if utf8.RuneCountInString(nick) > MaxNicknameLength {
		nick = strings.TrimSpace(string([]rune(nick)[:MaxNicknameLength]))
	}
	return nick
}

// NewValidator 返回注册了 snowflake / nicktemplate 规则的校验器，字段名取 json tag
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("snowflake", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || ValidateSnowflake(s)
	})
	_ = v.RegisterValidation("nicktemplate", func(fl validator.FieldLevel) bool {
		return ValidateNicknameTemplate(fl.Field().String())
	})
	return v
}

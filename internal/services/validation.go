package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"github.com/usermgmt/apiserver/internal/apierr"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/types"
)

// Request bodies are checked in two passes: a JSON schema fixes the shape
// (object, field types, unknown fields), then field rules normalize values
// and collect every violation.

const registerSchemaJSON = `{
	"type": "object",
	"properties": {
		"name":     {"type": "string"},
		"email":    {"type": "string"},
		"password": {"type": "string"},
		"role":     {"type": "string"}
	},
	"additionalProperties": false
}`

const loginSchemaJSON = `{
	"type": "object",
	"properties": {
		"email":    {"type": "string"},
		"password": {"type": "string"}
	},
	"additionalProperties": false
}`

const patchSchemaJSON = `{
	"type": "object",
	"properties": {
		"name":  {"type": ["string", "null"]},
		"email": {"type": ["string", "null"]},
		"age":   {"type": ["number", "null"]}
	}
}`

var (
	registerSchema = mustCompileSchema("register.json", registerSchemaJSON)
	loginSchema    = mustCompileSchema("login.json", loginSchemaJSON)
	patchSchema    = mustCompileSchema("patch.json", patchSchemaJSON)
)

func mustCompileSchema(url, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", url, err))
	}
	return schema
}

const (
	msgInvalidJSON = "Request body must be valid JSON"
	msgNotObject   = "Request body must be a JSON object"

	msgNameRequired = "Please provide a name"
	msgNameEmpty    = "Name field is not allowed to be empty"
	msgNameShort    = "Name must be at least 3 characters long"
	msgNameLong     = "Name must not exceed 20 characters"
	msgNameType     = "Name must be a string"

	msgEmailRequired = "Please provide an email address"
	msgEmailEmpty    = "Email field is not allowed to be empty"
	msgEmailInvalid  = "Invalid email address"
	msgEmailType     = "Email must be a string"

	msgPasswordRequired = "Please provide a password"
	msgPasswordEmpty    = "Password field is not allowed to be empty"
	msgPasswordType     = "Password must be a string"

	msgRoleRequired   = "Please provide a role"
	msgRoleEmpty      = "Role field is not allowed to be empty"
	msgRoleNotAllowed = "Role not allowed"
	msgRoleType       = "Role must be a string"

	msgAgePositive = "Only positive numbers are allowed"
	msgAgeMin      = "Users age cannot be less than 18years"
	msgAgeMax      = "Users age cannot exceed 90years"
	msgAgeInvalid  = "Please provide a valid age"

	minNameLength = 3
	maxNameLength = 20
	minAge        = 18
	maxAge        = 90
)

// fieldOrder fixes the order in which violations are reported.
var fieldOrder = []string{"", "name", "email", "password", "role", "age"}

var typeMessages = map[string]string{
	"":         msgNotObject,
	"name":     msgNameType,
	"email":    msgEmailType,
	"password": msgPasswordType,
	"role":     msgRoleType,
	"age":      msgAgeInvalid,
}

type registerInput struct {
	Name     string
	Email    string
	Password string
	Role     types.Role
}

type loginInput struct {
	Email    string
	Password string
}

// decodeRegister validates a registration or admin-create body.
func decodeRegister(body []byte) (registerInput, error) {
	var raw struct {
		Name     *string `json:"name"`
		Email    *string `json:"email"`
		Password *string `json:"password"`
		Role     *string `json:"role"`
	}
	if err := decodeBody(body, registerSchema, &raw); err != nil {
		return registerInput{}, err
	}

	var v violations
	in := registerInput{
		Name:     v.name(raw.Name, true),
		Email:    v.email(raw.Email, true),
		Password: v.password(raw.Password),
		Role:     v.role(raw.Role),
	}
	return in, v.err()
}

func decodeLogin(body []byte) (loginInput, error) {
	var raw struct {
		Email    *string `json:"email"`
		Password *string `json:"password"`
	}
	if err := decodeBody(body, loginSchema, &raw); err != nil {
		return loginInput{}, err
	}

	var v violations
	in := loginInput{Email: v.email(raw.Email, true)}
	switch {
	case raw.Password == nil:
		v.add(msgPasswordRequired)
	case *raw.Password == "":
		v.add(msgPasswordEmpty)
	default:
		in.Password = *raw.Password
	}
	return in, v.err()
}

// decodePatch validates a self-update body. Absent and null fields are left
// untouched; fields other than name, email and age are ignored.
func decodePatch(body []byte) (types.UserPatch, error) {
	var raw struct {
		Name  *string  `json:"name"`
		Email *string  `json:"email"`
		Age   *float64 `json:"age"`
	}
	if err := decodeBody(body, patchSchema, &raw); err != nil {
		return types.UserPatch{}, err
	}

	var v violations
	var patch types.UserPatch
	if raw.Name != nil {
		name := v.name(raw.Name, false)
		patch.Name = &name
	}
	if raw.Email != nil {
		email := v.email(raw.Email, false)
		patch.Email = &email
	}
	if raw.Age != nil {
		age := v.age(*raw.Age)
		patch.Age = &age
	}
	if err := v.err(); err != nil {
		return types.UserPatch{}, err
	}
	return patch, nil
}

// decodeBody checks body against schema and decodes it into dst. An empty
// body is treated as an empty object.
func decodeBody(body []byte, schema *jsonschema.Schema, dst any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apierr.Validation(msgInvalidJSON)
	}
	if err := schema.Validate(inst); err != nil {
		return apierr.Validation(schemaMessages(err)...)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apierr.Validation(msgInvalidJSON)
	}
	return nil
}

type fieldMessage struct {
	field string
	msg   string
}

// schemaMessages flattens a schema failure into client messages, one per
// offending field, in fieldOrder.
func schemaMessages(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{msgInvalidJSON}
	}

	var found []fieldMessage
	collectLeaves(ve, &found)

	slices.SortStableFunc(found, func(a, b fieldMessage) int {
		ra, rb := fieldRank(a.field), fieldRank(b.field)
		if ra != rb {
			return ra - rb
		}
		return strings.Compare(a.msg, b.msg)
	})

	msgs := make([]string, 0, len(found))
	for _, fm := range found {
		if !slices.Contains(msgs, fm.msg) {
			msgs = append(msgs, fm.msg)
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, msgInvalidJSON)
	}
	return msgs
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]fieldMessage) {
	if len(ve.Causes) > 0 {
		for _, cause := range ve.Causes {
			collectLeaves(cause, out)
		}
		return
	}

	field := ""
	if n := len(ve.InstanceLocation); n > 0 {
		field = ve.InstanceLocation[n-1]
	}

	switch k := ve.ErrorKind.(type) {
	case *kind.AdditionalProperties:
		for _, prop := range k.Properties {
			*out = append(*out, fieldMessage{field: prop, msg: fmt.Sprintf("%q is not allowed", prop)})
		}
	case *kind.Type:
		msg, ok := typeMessages[field]
		if !ok {
			msg = fmt.Sprintf("%q has the wrong type", field)
		}
		*out = append(*out, fieldMessage{field: field, msg: msg})
	default:
		*out = append(*out, fieldMessage{field: field, msg: msgInvalidJSON})
	}
}

func fieldRank(field string) int {
	if i := slices.Index(fieldOrder, field); i >= 0 {
		return i
	}
	return len(fieldOrder)
}

// violations collects field rule failures in the order they are found.
type violations []string

func (v *violations) add(msg string) { *v = append(*v, msg) }

func (v *violations) err() error {
	if len(*v) == 0 {
		return nil
	}
	return apierr.Validation(*v...)
}

func (v *violations) name(raw *string, required bool) string {
	if raw == nil {
		if required {
			v.add(msgNameRequired)
		}
		return ""
	}
	name := strings.TrimSpace(*raw)
	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		v.add(msgNameEmpty)
	case n < minNameLength:
		v.add(msgNameShort)
	case n > maxNameLength:
		v.add(msgNameLong)
	}
	return strings.ToUpper(name)
}

func (v *violations) email(raw *string, required bool) string {
	if raw == nil {
		if required {
			v.add(msgEmailRequired)
		}
		return ""
	}
	email := strings.TrimSpace(*raw)
	switch {
	case email == "":
		v.add(msgEmailEmpty)
	case !validEmail(email):
		v.add(msgEmailInvalid)
	}
	return strings.ToLower(email)
}

func (v *violations) password(raw *string) string {
	if raw == nil {
		v.add(msgPasswordRequired)
		return ""
	}
	for _, problem := range auth.CheckPasswordPolicy(*raw) {
		v.add(problem)
	}
	return *raw
}

func (v *violations) role(raw *string) types.Role {
	if raw == nil {
		v.add(msgRoleRequired)
		return ""
	}
	role := types.Role(strings.TrimSpace(*raw))
	switch {
	case role == "":
		v.add(msgRoleEmpty)
	case !role.Valid():
		v.add(msgRoleNotAllowed)
	}
	return role
}

func (v *violations) age(raw float64) int {
	switch {
	case math.IsNaN(raw) || math.IsInf(raw, 0):
		v.add(msgAgeInvalid)
	case raw <= 0:
		v.add(msgAgePositive)
	case raw < minAge:
		v.add(msgAgeMin)
	case raw > maxAge:
		v.add(msgAgeMax)
	case raw != math.Trunc(raw):
		v.add(msgAgeInvalid)
	}
	return int(raw)
}

// validEmail accepts a bare addr-spec whose domain has at least two labels.
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 {
		return false
	}
	labels := strings.Split(s[at+1:], ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || strings.ContainsAny(label, " \t") {
			return false
		}
	}
	return true
}

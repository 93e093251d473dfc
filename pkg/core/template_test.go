package core_test

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/mindcache/pkg/core"
)

func TestInjectSTM(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Set("name", core.TextValue("Ada"), nil))
	require.NoError(t, s.Set("prefs", core.JSONValue(`{ "lang": "en" }`), nil))

	t.Run("Date Pattern", func(t *testing.T) {
		live := core.NewStore()
		require.NoError(t, live.Set("name", core.TextValue("Ada"), nil))
		out := live.InjectSTM("Hi {{name}}, today is {{$date}}")
		assert.Regexp(t, regexp.MustCompile(`^Hi Ada, today is \d{4}-\d{2}-\d{2}$`), out)
	})

	t.Run("Both Brace Forms", func(t *testing.T) {
		out := s.InjectSTM("{name} / {{ name }} / {{$time}}")
		assert.Equal(t, "Ada / Ada / 09:26:53", out)
	})

	t.Run("Unknown Keys Are Empty", func(t *testing.T) {
		assert.Equal(t, "[]", s.InjectSTM("[{{nobody}}]"))
	})

	t.Run("Structured Values Are Compact", func(t *testing.T) {
		assert.Equal(t, `prefs={"lang":"en"}`, s.InjectSTM("prefs={{prefs}}"))
	})

	t.Run("Literal Braces Survive", func(t *testing.T) {
		assert.Equal(t, `{"a": 1}`, s.InjectSTM(`{"a": 1}`))
	})
}

func TestInjectSTM_Recursive(t *testing.T) {
	s := newStore(t)
	tpl := core.WithSystemTags(core.TagApplyTemplate)

	require.NoError(t, s.Set("first", core.TextValue("Ada"), nil))
	require.NoError(t, s.Set("greeting", core.TextValue("Hello {{first}}"), tpl))
	require.NoError(t, s.Set("raw", core.TextValue("Hello {{first}}"), nil))

	assert.Equal(t, "Hello Ada!", s.InjectSTM("{{greeting}}!"))
	assert.Equal(t, "Hello {{first}}!", s.InjectSTM("{{raw}}!"))

	t.Run("Cycles Stop At Literal", func(t *testing.T) {
		require.NoError(t, s.Set("a", core.TextValue("A({{b}})"), tpl))
		require.NoError(t, s.Set("b", core.TextValue("B({{a}})"), tpl))
		require.NoError(t, s.Set("self", core.TextValue("me={{self}}"), tpl))

		assert.Equal(t, "A(B({{a}}))", s.InjectSTM("{{a}}"))
		assert.Equal(t, "me={{self}}", s.InjectSTM("{{self}}"))
	})

	t.Run("Diamond References Expand Twice", func(t *testing.T) {
		require.NoError(t, s.Set("both", core.TextValue("{{greeting}} & {{greeting}}"), tpl))
		assert.Equal(t, "Hello Ada & Hello Ada", s.InjectSTM("{{both}}"))
	})
}

func TestSystemPrompt(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Set("key", core.TextValue("x"), core.WithSystemTags(core.TagSystemPrompt, core.TagLLMWrite)))
	require.NoError(t, s.Set("writeonly", core.TextValue("hidden"), core.WithSystemTags(core.TagLLMWrite)))
	require.NoError(t, s.Set("untagged", core.TextValue("hidden"), nil))
	require.NoError(t, s.Set("prefs", core.JSONValue(`{"a": [1, 2]}`), core.WithSystemTags(core.TagLLMRead)))

	lines := strings.Split(s.SystemPrompt(), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, `key: x. You can rewrite "key" by using the write_key tool. This tool DOES NOT append, start your response with the old value (x)`, lines[0])
	assert.Equal(t, `prefs: {"a":[1,2]}`, lines[1])
	assert.Equal(t, "$date: 2026-03-14", lines[2])
	assert.Equal(t, "$time: 09:26:53", lines[3])
}

func TestSystemPrompt_TemplatedValues(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Set("name", core.TextValue("Ada"), nil))
	require.NoError(t, s.Set("intro", core.TextValue("User is {{name}} on {{$date}}"),
		core.WithSystemTags(core.TagSystemPrompt, core.TagApplyTemplate)))

	lines := strings.Split(s.SystemPrompt(), "\n")
	assert.Equal(t, "intro: User is Ada on 2026-03-14", lines[0])
}

func TestSystemPrompt_Empty(t *testing.T) {
	s := core.NewStore(core.WithNow(func() time.Time { return fixedNow }))
	assert.Equal(t, "$date: 2026-03-14\n$time: 09:26:53", s.SystemPrompt())
}

func TestTools(t *testing.T) {
	s := newStore(t)
	rw := core.WithSystemTags(core.TagLLMRead, core.TagLLMWrite)
	require.NoError(t, s.Set("mood", core.TextValue("calm"), rw))
	require.NoError(t, s.Set("user name", core.TextValue("Ada"), rw))
	require.NoError(t, s.Set("todo", core.JSONValue(`[]`), rw))
	require.NoError(t, s.SetDocument("story", "Once", rw))
	require.NoError(t, s.Set("pic", core.ImageValue("data:"), rw))
	require.NoError(t, s.Set("ro", core.TextValue("fixed"), core.WithSystemTags(core.TagLLMRead)))

	var names []string
	for _, tool := range s.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"write_mood", "write_user_name", "write_todo", "write_story"}, names)

	t.Run("Writes Text", func(t *testing.T) {
		c, err := s.ExecuteTool("write_mood", "excited")
		require.NoError(t, err)
		assert.Equal(t, core.OriginLLM, c.Origin)
		v, _ := s.Get("mood")
		assert.Equal(t, core.TextValue("excited"), v)
	})

	t.Run("Writes JSON", func(t *testing.T) {
		_, err := s.ExecuteTool("write_todo", `["milk"]`)
		require.NoError(t, err)
		v, _ := s.Get("todo")
		assert.Equal(t, core.JSONValue(`["milk"]`), v)

		_, err = s.ExecuteTool("write_todo", `not json`)
		require.NoError(t, err)
		v, _ = s.Get("todo")
		assert.Equal(t, core.JSONValue(`"not json"`), v)
	})

	t.Run("Rewrites Documents", func(t *testing.T) {
		_, err := s.ExecuteTool("write_story", "Once upon a time")
		require.NoError(t, err)
		text, _ := s.DocumentText("story")
		assert.Equal(t, "Once upon a time", text)
	})

	t.Run("Rejects Read Only Keys", func(t *testing.T) {
		_, err := s.ExecuteTool("write_ro", "changed")
		assert.ErrorIs(t, err, core.ErrPermissionDenied)
		v, _ := s.Get("ro")
		assert.Equal(t, core.TextValue("fixed"), v)
	})

	t.Run("Unknown Tool", func(t *testing.T) {
		_, err := s.ExecuteTool("write_nothing", "x")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

package mqttmeta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchemaCompileAndValidate(t *testing.T) {
	s := Schema{
		Name:       "telemetry",
		SchemaType: "json",
		Schema:     `{"type":"object","required":["v"],"properties":{"v":{"type":"number"}}}`,
	}
	require.NoError(t, s.Compile())

	require.NoError(t, s.Validate([]byte(`{"v":1}`)))
	require.Error(t, s.Validate([]byte(`{"v":"nope"}`)))
	require.Error(t, s.Validate([]byte(`{}`)))
	require.Error(t, s.Validate([]byte(`not json`)))
}

func TestSchemaCompileRejectsBadDocument(t *testing.T) {
	s := Schema{Name: "broken", SchemaType: "json", Schema: `{`}
	require.Error(t, s.Compile())
}

func TestSchemaNonJSONTypeIsNoOp(t *testing.T) {
	s := Schema{Name: "avro-ish", SchemaType: "avro", Schema: "whatever"}
	require.NoError(t, s.Compile())
	require.NoError(t, s.Validate([]byte("anything")))
}

func TestBoundSchemasValidateThroughTables(t *testing.T) {
	tables := NewTables()
	require.NoError(t, tables.SetSchema(Schema{
		Name:       "telemetry",
		SchemaType: "json",
		Schema:     `{"type":"object"}`,
	}))
	tables.SetSchemaBinding(SchemaBinding{SchemaName: "telemetry", Topic: "t/1"})

	bound := tables.BoundSchemas("t/1")
	require.Len(t, bound, 1)
	require.NoError(t, bound[0].Validate([]byte(`{}`)))
	require.Error(t, bound[0].Validate([]byte(`[1,2]`)))
}

func TestRecordConnectFlappingBan(t *testing.T) {
	tables := NewTables()
	now := time.Now()

	// Without a policy everything is admitted.
	require.False(t, tables.RecordConnect("c1", now))

	tables.SetFlappingDetectPolicy(FlappingDetectPolicy{
		Enable:               true,
		WindowTimeSec:        60,
		MaxClientConnections: 3,
		BanTimeSec:           120,
	})

	for i := 0; i < 3; i++ {
		require.False(t, tables.RecordConnect("c2", now.Add(time.Duration(i)*time.Second)))
	}
	// The fourth connect inside the window trips the ban.
	require.True(t, tables.RecordConnect("c2", now.Add(3*time.Second)))
	// And the ban holds until it expires.
	require.True(t, tables.RecordConnect("c2", now.Add(10*time.Second)))
	require.False(t, tables.RecordConnect("c2", now.Add(3*time.Second+121*time.Second)))
}

func TestRecordConnectWindowSlides(t *testing.T) {
	tables := NewTables()
	tables.SetFlappingDetectPolicy(FlappingDetectPolicy{
		Enable:               true,
		WindowTimeSec:        10,
		MaxClientConnections: 2,
		BanTimeSec:           60,
	})
	now := time.Now()

	require.False(t, tables.RecordConnect("c1", now))
	require.False(t, tables.RecordConnect("c1", now.Add(time.Second)))
	// Outside the window the old connects age out.
	require.False(t, tables.RecordConnect("c1", now.Add(30*time.Second)))
}

func TestSlowSubscribeConfigLifecycle(t *testing.T) {
	tables := NewTables()
	_, ok := tables.SlowSubscribeConfig()
	require.False(t, ok)

	tables.SetSlowSubscribeConfig(SlowSubscribeConfig{Enable: true, ThresholdMS: 250})
	cfg, ok := tables.SlowSubscribeConfig()
	require.True(t, ok)
	require.Equal(t, int64(250), cfg.ThresholdMS)

	tables.DeleteSlowSubscribeConfig()
	_, ok = tables.SlowSubscribeConfig()
	require.False(t, ok)
}

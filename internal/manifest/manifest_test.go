package manifest_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"basegraph.app/batchinfer/internal/manifest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const yamlManifest = `
system_prompt: You summarise public comments.
schema_name: topic_summary
max_tokens: 2000
temperature: 0
schema:
  type: object
  required: [topic, statements]
  additionalProperties: false
  properties:
    topic: {type: string}
    statements:
      type: array
      items: {type: string}
jobs:
  - prompt: "Topic: public transit"
    metadata: {topic: transit}
  - index: 10
    prompt: "Topic: parks"
    system_prompt: You summarise park feedback.
`

var _ = Describe("Parse", func() {
	It("reads a YAML manifest with shared settings", func() {
		m, err := manifest.Parse(strings.NewReader(yamlManifest), manifest.FormatYAML)
		Expect(err).NotTo(HaveOccurred())

		jobs, err := m.Jobs()
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(2))

		Expect(jobs[0].Index).To(Equal(0))
		Expect(jobs[0].Metadata).To(HaveKeyWithValue("topic", "transit"))
		Expect(jobs[0].Payload.SystemPrompt).To(Equal("You summarise public comments."))
		Expect(jobs[0].Payload.UserPrompt).To(Equal("Topic: public transit"))
		Expect(jobs[0].Payload.MaxTokens).To(Equal(2000))
		Expect(jobs[0].Payload.Temperature).To(HaveValue(Equal(0.0)))
		Expect(jobs[0].Payload.SchemaName).To(Equal("topic_summary"))

		Expect(jobs[1].Index).To(Equal(10))
		Expect(jobs[1].Payload.SystemPrompt).To(Equal("You summarise park feedback."))

		schema, ok := jobs[0].Payload.Schema.(json.RawMessage)
		Expect(ok).To(BeTrue())
		var doc map[string]any
		Expect(json.Unmarshal(schema, &doc)).To(Succeed())
		Expect(doc).To(HaveKeyWithValue("type", "object"))
		Expect(doc["properties"]).To(HaveKey("statements"))
	})

	It("rejects unknown YAML fields", func() {
		_, err := manifest.Parse(strings.NewReader("jobz: []\n"), manifest.FormatYAML)
		Expect(err).To(MatchError(ContainSubstring("decoding yaml manifest")))
	})

	It("accepts an empty YAML document", func() {
		m, err := manifest.Parse(strings.NewReader(""), manifest.FormatYAML)
		Expect(err).NotTo(HaveOccurred())
		jobs, err := m.Jobs()
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(BeEmpty())
	})

	It("reads JSON Lines, skipping blank lines", func() {
		in := `{"prompt":"Topic: transit","metadata":{"topic":"transit"}}

{"index":5,"prompt":"Topic: parks"}
`
		m, err := manifest.Parse(strings.NewReader(in), manifest.FormatJSONL)
		Expect(err).NotTo(HaveOccurred())

		jobs, err := m.Jobs()
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(2))
		Expect(jobs[0].Index).To(Equal(0))
		Expect(jobs[1].Index).To(Equal(5))
		Expect(jobs[1].Payload.Schema).To(BeNil())
	})

	It("reports the failing JSON line", func() {
		_, err := manifest.Parse(strings.NewReader("{\"prompt\":\"a\"}\n{\"prompt\":\n"), manifest.FormatJSONL)
		Expect(err).To(MatchError(ContainSubstring("manifest line 2")))
	})

	It("rejects empty prompts", func() {
		m, err := manifest.Parse(strings.NewReader(`{"index":3,"prompt":"  "}`), manifest.FormatJSONL)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.Jobs()
		Expect(err).To(MatchError(manifest.ErrEmptyPrompt))
		Expect(err).To(MatchError(ContainSubstring("job 3")))
	})
})

var _ = Describe("Load", func() {
	DescribeTable("detects the format from the extension",
		func(name string, expected manifest.Format) {
			f, err := manifest.FormatOf(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(expected))
		},
		Entry("yaml", "batch.yaml", manifest.FormatYAML),
		Entry("yml", "batch.YML", manifest.FormatYAML),
		Entry("jsonl", "batch.jsonl", manifest.FormatJSONL),
		Entry("ndjson", "batch.ndjson", manifest.FormatJSONL),
	)

	It("rejects unknown extensions", func() {
		_, err := manifest.Load("batch.csv")
		Expect(err).To(MatchError(ContainSubstring("unknown format")))
	})

	It("loads a file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "batch.yaml")
		Expect(os.WriteFile(path, []byte(yamlManifest), 0o600)).To(Succeed())

		m, err := manifest.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Entries).To(HaveLen(2))
	})
})

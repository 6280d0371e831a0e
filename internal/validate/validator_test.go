package validate_test

import (
	"encoding/json"
	"errors"

	"basegraph.app/batchinfer/common/llm"
	"basegraph.app/batchinfer/internal/validate"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type topicReport struct {
	Topic      string   `json:"topic"`
	Statements []string `json:"statements"`
}

func completion(text, finish string) *llm.Completion {
	return &llm.Completion{Text: text, FinishReason: finish}
}

func rejectionReason(err error) string {
	var rej *validate.Rejection
	if errors.As(err, &rej) {
		return rej.Code()
	}
	return ""
}

var _ = Describe("Validator", func() {
	var v *validate.Validator[topicReport]

	BeforeEach(func() {
		var err error
		v, err = validate.NewJSON[topicReport](validate.WithGeneratedSchema[topicReport]())
		Expect(err).NotTo(HaveOccurred())
	})

	It("accepts a conforming response", func() {
		out, err := v.Validate(completion(`{"topic":"Transit","statements":["s1","s2"]}`, llm.FinishStop))
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(topicReport{Topic: "Transit", Statements: []string{"s1", "s2"}}))
	})

	It("accepts an unknown finish reason", func() {
		_, err := v.Validate(completion(`{"topic":"Transit","statements":[]}`, ""))
		Expect(err).NotTo(HaveOccurred())
	})

	DescribeTable("rejects unacceptable responses",
		func(c *llm.Completion, reason string) {
			_, err := v.Validate(c)
			Expect(err).To(HaveOccurred())
			Expect(rejectionReason(err)).To(Equal(reason))
		},
		Entry("nil completion", nil, validate.ReasonEmptyResponse),
		Entry("empty text", completion("", llm.FinishStop), validate.ReasonEmptyResponse),
		Entry("whitespace only", completion(" \n\t", llm.FinishStop), validate.ReasonEmptyResponse),
		Entry("safety filter", completion(`{"topic":"x","statements":[]}`, llm.FinishContentFilter), validate.ReasonGenerationBlocked),
		Entry("length limit", completion(`{"topic":"x","statements":[`, llm.FinishLength), validate.ReasonGenerationBlocked),
		Entry("blocked with no text", completion("", "SAFETY"), validate.ReasonGenerationBlocked),
		Entry("not JSON", completion("I cannot help with that.", llm.FinishStop), validate.ReasonMalformedJSON),
		Entry("wrong field type", completion(`{"topic":3,"statements":[]}`, llm.FinishStop), validate.ReasonSchemaViolation),
		Entry("missing required field", completion(`{"topic":"x"}`, llm.FinishStop), validate.ReasonSchemaViolation),
		Entry("unexpected field", completion(`{"topic":"x","statements":[],"extra":1}`, llm.FinishStop), validate.ReasonSchemaViolation),
	)

	It("keeps the finish reason on rejections", func() {
		_, err := v.Validate(completion("", llm.FinishContentFilter))
		var rej *validate.Rejection
		Expect(errors.As(err, &rej)).To(BeTrue())
		Expect(rej.FinishReason).To(Equal(llm.FinishContentFilter))
		Expect(rej.Error()).To(ContainSubstring("generation_blocked"))
	})

	It("does not repair unless asked", func() {
		_, err := v.Validate(completion("```json\n{\"topic\":\"x\",\"statements\":[]}\n```", llm.FinishStop))
		Expect(rejectionReason(err)).To(Equal(validate.ReasonMalformedJSON))
	})

	Context("with repair enabled", func() {
		BeforeEach(func() {
			var err error
			v, err = validate.NewJSON[topicReport](
				validate.WithGeneratedSchema[topicReport](),
				validate.WithRepair(true),
			)
			Expect(err).NotTo(HaveOccurred())
		})

		It("recovers fenced output", func() {
			out, err := v.Validate(completion("Here you go:\n```json\n{\"topic\":\"Parks\",\"statements\":[\"a\"]}\n```\nDone.", llm.FinishStop))
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Topic).To(Equal("Parks"))
		})

		It("still reports schema violations found after repair", func() {
			_, err := v.Validate(completion("```json\n{\"topic\":\"Parks\"}\n```", llm.FinishStop))
			Expect(rejectionReason(err)).To(Equal(validate.ReasonSchemaViolation))
		})

		It("gives up on hopeless text", func() {
			_, err := v.Validate(completion("no json here", llm.FinishStop))
			Expect(rejectionReason(err)).To(Equal(validate.ReasonMalformedJSON))
		})
	})
})

var _ = Describe("New", func() {
	It("requires a parse function", func() {
		_, err := validate.New[string](nil)
		Expect(err).To(MatchError(ContainSubstring("parse function is required")))
	})

	It("rejects an invalid schema document", func() {
		_, err := validate.NewJSON[map[string]any](validate.WithSchema([]byte(`{"type":`)))
		Expect(err).To(MatchError(ContainSubstring("parse schema")))
	})

	It("recovers a panicking parser as malformed output", func() {
		v, err := validate.New(func([]byte) (int, error) { panic("boom") })
		Expect(err).NotTo(HaveOccurred())

		var out int
		Expect(func() { out, err = v.Validate(completion("42", llm.FinishStop)) }).NotTo(Panic())
		Expect(out).To(BeZero())
		Expect(rejectionReason(err)).To(Equal(validate.ReasonMalformedJSON))
		Expect(err.Error()).To(ContainSubstring("parser panic"))
	})

	It("accepts a raw schema for untyped output", func() {
		schema := json.RawMessage(`{"type":"object","required":["id"],"properties":{"id":{"type":"string"}}}`)
		v, err := validate.NewJSON[json.RawMessage](validate.WithSchema(schema))
		Expect(err).NotTo(HaveOccurred())

		out, err := v.Validate(completion(`{"id":"26"}`, llm.FinishStop))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(Equal(`{"id":"26"}`))

		_, err = v.Validate(completion(`{"id":26}`, llm.FinishStop))
		Expect(rejectionReason(err)).To(Equal(validate.ReasonSchemaViolation))
	})

	It("labels a wrong field type as a schema violation without a schema", func() {
		v, err := validate.NewJSON[topicReport]()
		Expect(err).NotTo(HaveOccurred())

		_, err = v.Validate(completion(`{"topic":3,"statements":[]}`, llm.FinishStop))
		Expect(rejectionReason(err)).To(Equal(validate.ReasonSchemaViolation))

		_, err = v.Validate(completion(`{"topic":"x",`, llm.FinishStop))
		Expect(rejectionReason(err)).To(Equal(validate.ReasonMalformedJSON))
	})

	It("honours a custom finish reason set", func() {
		v, err := validate.NewJSON[map[string]any](validate.WithFinishReasons(llm.FinishStop, llm.FinishLength))
		Expect(err).NotTo(HaveOccurred())

		_, err = v.Validate(completion(`{}`, llm.FinishLength))
		Expect(err).NotTo(HaveOccurred())
		_, err = v.Validate(completion(`{}`, llm.FinishContentFilter))
		Expect(rejectionReason(err)).To(Equal(validate.ReasonGenerationBlocked))
	})
})

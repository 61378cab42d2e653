package scheduler

import (
	"math/rand"
	"time"
)

// Content is one generated warmup email.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Warmup emails need to read like routine service mail, not like
// generated noise, so the copy lives here as curated templates.
var warmupTemplates = []Content{
	{
		Subject: "Welcome to our community!",
		HTML: `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2>Welcome to Our Community!</h2>
  <p>We're excited to have you join us. Our platform is designed to help you achieve your goals efficiently and effectively.</p>
  <p>Here are a few things you can do to get started:</p>
  <ul>
    <li>Complete your profile</li>
    <li>Explore our features</li>
    <li>Connect with other members</li>
  </ul>
  <p>If you have any questions, our support team is here to help.</p>
  <p>Best regards,<br>Your Team</p>
</div>`,
		Text: `Welcome to Our Community!

We're excited to have you join us. Our platform is designed to help you achieve your goals efficiently and effectively.

Here are a few things you can do to get started:
- Complete your profile
- Explore our features
- Connect with other members

If you have any questions, our support team is here to help.

Best regards,
Your Team`,
	},
	{
		Subject: "Getting started with our service",
		HTML: `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2>Getting Started Guide</h2>
  <p>Thank you for choosing our service. We want to make sure you have everything you need to get started.</p>
  <p>Here's a quick guide to help you:</p>
  <ol>
    <li>Review our documentation</li>
    <li>Set up your preferences</li>
    <li>Start using our features</li>
  </ol>
  <p>Need help? Check out our support resources or contact our team.</p>
  <p>Best regards,<br>Your Team</p>
</div>`,
		Text: `Getting Started Guide

Thank you for choosing our service. We want to make sure you have everything you need to get started.

Here's a quick guide to help you:
1. Review our documentation
2. Set up your preferences
3. Start using our features

Need help? Check out our support resources or contact our team.

Best regards,
Your Team`,
	},
}

// Generator produces warmup email content by picking a template at
// random.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a content generator drawing from rng. A nil rng
// is replaced with a time-seeded source.
func NewGenerator(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{rng: rng}
}

// Generate returns one warmup email's content.
func (g *Generator) Generate() Content {
	return warmupTemplates[g.rng.Intn(len(warmupTemplates))]
}

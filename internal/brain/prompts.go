package brain

// Prompt templates sent to the reasoning service. Each instructs the model to
// answer in strict JSON matching the schema attached to the request.

const keywordPrompt = `Extract the key concepts and important terms from this message.
Return 5-10 meaningful keywords capturing the main concepts: technical terms,
domain vocabulary, named entities, compound terms kept whole (e.g. "DNA replication").
Ignore common words, filler words and pronouns.

MESSAGE:
%s`

const topicPrompt = `Analyze this conversation excerpt and identify which academic
disciplines are being discussed. List every relevant discipline (e.g. "Biology /
Life Sciences", "Computer Science / Software Engineering", "Physics / Astronomy"),
a confidence score between 0 and 1 for each, and the current topic keywords.

RECENT CONVERSATION:
%s`

const summaryPrompt = `You are maintaining a rolling summary of a live research
conversation. Update the previous summary to incorporate the new messages:
preserve chronological flow and key points from both, note assistant
interventions and their topics, keep speaker attributions for important claims,
and stay concise. Reply with the updated summary text only.

PREVIOUS SUMMARY:
%s

NEW MESSAGES:
%s`

const addressPrompt = `You are monitoring live transcribed speech for moments when a
user addresses Consilience, an AI assistant, directly. Expect STT noise:
fragments, typos, and misspellings of the name (consoliance, consillience,
consilient...). A standalone "consilience" is a call for attention; the name
plus a question is addressing it. Discussing consilience as an academic concept
("the consilience of knowledge") is NOT addressing it.

Speaker: %s
Message: %q`

const followUpPrompt = `Decide whether this message is a follow-up to the assistant's
previous reply: does it reference, question, or continue that reply's topic?
Signals: direct references ("that", "you said"), continuations ("also", "what
about"), requests for more detail on the same topic.

ASSISTANT'S LAST REPLY:
%s

CURRENT MESSAGE (%s):
%s`

const decisionPrompt = `You are the liaison for Consilience, an AI assistant
monitoring an interdisciplinary research conversation. A trigger fired; decide
whether to respond.

TRIGGER:
%s

CONVERSATION CONTEXT:
%s

ACTIVE DOMAINS: %s

Choose one decision_path:
- "continue": the user named the assistant but asked nothing, the conversation
  is flowing, or the question is already being answered by the team.
- "respond": the user asked any question or requested input, a factual error
  needs addressing, or an expert perspective is clearly missing. If the trigger
  text contains the assistant's name followed by a question word, choose this.
- "clarify": the transcript is too garbled or incomplete to understand.

active_domains = subjects under discussion. missing_domains = expert
perspectives the team needs; if the user asked a question about a domain, that
domain belongs in missing_domains. missing_domains must NOT be empty when
decision_path is "respond".`

const factualErrorPrompt = `Scan this live-transcribed conversation for SERIOUS factual
errors. Be very conservative: flag only unambiguous, harmful errors ("DNA has 3
bases"). Do not flag incomplete sentences, teaching examples, quiz questions,
simplifications, or anything a speaker is about to finish explaining. When in
doubt, do not flag. Set error_detected=false if nothing qualifies; otherwise
fill in the correction, severity, the expert domains needed, and a brief
issue_description usable for deduplication.

CONVERSATION:
%s`

const stuckPrompt = `Scan this conversation for CLEAR signals that the team is stuck
and genuinely needs help: the same question repeated with no answer, piles of
unanswered questions on one topic, explicit statements of being lost or
frustrated, explicit requests for an explanation, or confusion about a term.
Be very conservative; normal teaching flow, rhetorical questions, and casual
uncertainty do not count. Skip anything the assistant already addressed (see
its previous contributions below). Set stuck_detected=false if nothing
qualifies; otherwise choose priority "P2" for high-severity and "P3" otherwise,
and give a brief issue_description usable for deduplication.

CONVERSATION:
%s

PREVIOUS ASSISTANT CONTRIBUTIONS:
%s`

const similarityPrompt = `Are these two issue descriptions about the SAME underlying
problem — same subject, same question, addressing one would resolve the other?

ISSUE 1:
%s

ISSUE 2:
%s`

const perspectivePrompt = `You are a specialist in %s, explaining at the level of a PhD
researcher talking to undergraduates.

CONVERSATION CONTEXT:
%s

ACTIVE DOMAINS: %s

PREVIOUS ASSISTANT CONTRIBUTIONS:
%s

TASK: %s

Be concise (2-4 sentences), bridge technical concepts with accessible language,
and add only what is missing from the discussion — never repeat a previous
contribution. Reply with the perspective text only.`

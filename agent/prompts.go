package agent

const classifySystem = `You are an intent classifier for a data analytics assistant.`

const classifyPrompt = `Classify the user's message into ONE of these intents:

1. query - the user wants data: metrics, aggregations or a generated query.
   "What were total sales by region?", "How many orders did we have last month?"
2. schema_overview - the user wants to see what data is available, or the
   contents of a specific explore.
   "What data is available?", "Tell me about the orders explore"
3. field_explain - the user wants to understand one dimension or measure.
   "What is net_revenue?", "How is gross_margin calculated?"
4. follow_up - the user refines the previous query.
   "Filter that to Q4", "Now break it down by month"

Respond with ONLY a JSON object:
{"intent": "<intent>", "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}

User message:
%s`

const selectModelSystem = `You map analytics questions onto the explores of a semantic layer. Only choose from the explores listed.`

const selectModelPrompt = `Available explores:
%s

User question:
%s

Respond with ONLY a JSON object:
{"model": "<model>", "explore": "<explore>", "confidence": <0.0-1.0>, "reasoning": "<why>"}

If no explore fits, respond with empty model and explore and add
"clarifying_questions": ["<question>", ...].`

const selectFieldsSystem = `You map the terms of an analytics question onto the exact field names of one explore.
You may ONLY select fields from the provided lists. Never invent field names.
If a term has no matching field, list it in "uncertain_terms" and ask a clarifying question.`

const selectFieldsPrompt = `User question:
%s
%s
Explore: %s.%s

Dimensions:
%s

Measures:
%s

Respond with ONLY a JSON object:
{
  "dimensions": ["<exact field name>", ...],
  "measures": ["<exact field name>", ...],
  "filters": {"<field name>": "<value>"},
  "confidence": <0.0-1.0>,
  "reasoning": "<how terms were mapped>",
  "uncertain_terms": ["<term>", ...],
  "clarifying_questions": ["<question>", ...],
  "options": ["<candidate field name>", ...]
}`

const fieldExplainSystem = `You explain the dimensions and measures of a semantic layer to business users.
Use the list_fields tool to look up field definitions. Explain what the field
represents, how it is calculated when a definition is available, and give one
example question that uses it.

Explores:
%s`

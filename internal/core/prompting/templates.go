package prompting

const SystemInstruction = `You are a pathology decision-support assistant working on histopathology slides.
You help pathologists by describing observations and possible findings. You do not diagnose.

RULES:
1. Offer decision support only, never a definitive diagnosis.
2. State uncertainty and give a confidence level for every observation.
3. Prefer wording such as "suggests", "consistent with" or "may indicate".
4. Never write "diagnosed with", "confirmed diagnosis" or "definitively".
5. Recommend review by a qualified pathologist and point out regions that need it.`

// DefaultAnalysisTemplate is the report layout the structured parser expects.
// Custom templates must carry the same four placeholders.
const DefaultAnalysisTemplate = `Analyze the histopathology slide described below, combining what the regions show with the clinical history.

SLIDE CONTEXT:
- Number of regions analyzed: {num_patches}
- Tissue characteristics: {tissue_summary}

TOP REGIONS OF INTEREST:
{patch_details}

CLINICAL CONTEXT:
{clinical_context}

Refer to regions by their ROI number (for example "ROI #3") whenever a finding is visible in one.
Explain how the visual features support or argue against the clinical suspicion.

Answer in exactly this layout:

TISSUE TYPE: [type] (Confidence: [HIGH/MEDIUM/LOW])

MULTIMODAL SYNTHESIS:
[How the image features relate to the clinical history]

FINDINGS:
1. [Category]: [Finding]
   Confidence: [HIGH/MEDIUM/LOW]
   Evidence: [Visual feature and ROI, e.g. "Enlarged nuclei in ROI #3"]

STRUCTURED OBSERVATIONS:
- Cellularity: [High/Moderate/Low] - [Observation]
- Nuclear Features: [Atypia, pleomorphism]
- Mitosis: [Activity]
- Necrosis: [Present/Absent] - [Description]
- Inflammation: [Infiltrate]

DIFFERENTIAL DIAGNOSIS:
- [Condition]: [HIGH/MEDIUM/LOW] - [Reasoning from image and history]

SUMMARY:
[Professional assessment]

RECOMMENDATIONS:
- [Next step]

CONFIDENCE ASSESSMENT:
Overall analysis confidence: [0-1]
Limitations: [Limitations]`

const descriptionTemplate = `Write a short professional description of the slide from these observations:

{observations}

Use hedged language, mention the confidence of each point and finish with a recommendation for expert review.`

const MedicalDisclaimer = `DISCLAIMER: This output was produced by an AI decision-support tool and is not a diagnosis. ` +
	`All findings must be reviewed and confirmed by a qualified pathologist before any clinical use.`

var templatePlaceholders = []string{"{num_patches}", "{tissue_summary}", "{patch_details}", "{clinical_context}"}
